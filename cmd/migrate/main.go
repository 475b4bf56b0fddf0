package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/cellular-imaging/omero-ingest/internal/migrate"
)

func main() {
	dsn := os.Getenv("INGEST_TRACKING_DB_URL")
	if dsn == "" {
		log.Fatal("INGEST_TRACKING_DB_URL is required")
	}

	listOnly := false
	allowAutoStamp := os.Getenv("ADI_ALLOW_AUTO_STAMP") == "true"
	for _, a := range os.Args[1:] {
		switch a {
		case "--list":
			listOnly = true
		case "--allow-auto-stamp":
			allowAutoStamp = true
		default:
			log.Fatalf("unknown argument %q", a)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if listOnly {
		rows, err := db.QueryContext(ctx, `
			SELECT version, name, applied_at FROM adi_schema_version ORDER BY version`)
		if err != nil {
			log.Fatalf("list versions: %v", err)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			var version int
			var name string
			var appliedAt time.Time
			if err := rows.Scan(&version, &name, &appliedAt); err != nil {
				log.Fatal(err)
			}
			fmt.Printf("  %3d  %-40s %s\n", version, name, appliedAt.Format(time.RFC3339))
			n++
		}
		fmt.Printf("Total: %d applied migrations\n", n)
		return
	}

	if err := migrate.Run(ctx, db, migrate.Options{AllowAutoStamp: allowAutoStamp}); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("Schema is at head")
}
