package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
)

// =============================================================================
// TRACKER — Event-Sourced Import Progress Log
// =============================================================================
// One row per stage transition, never updated, never deleted. The
// maximum-timestamp row per uuid is the authoritative current stage. The
// claim primitive locks the latest IMPORT_PENDING row with
// FOR UPDATE SKIP LOCKED and appends an IMPORT_STARTED row in the same
// transaction, so two pollers can never claim the same order.

const (
	// maxWriteAttempts bounds retries of event writes on transient
	// transport errors.
	maxWriteAttempts = 5

	// baseBackoff is doubled per attempt: 100ms, 200ms, 400ms, 800ms.
	baseBackoff = 100 * time.Millisecond
)

// Tracker implements the import progress log against PostgreSQL.
type Tracker struct{ db *sql.DB }

// NewTracker creates a Postgres-backed tracker.
func NewTracker(db *sql.DB) *Tracker { return &Tracker{db: db} }

// latestPendingCTE selects rows whose stage is IMPORT_PENDING and which
// are still the newest event for their uuid.
const latestPendingCTE = `
	SELECT i.ctid, i.uuid, i.group_name, i.user_name, i.destination_id,
	       i.destination_type, i.files, i.preprocessing_id, i."timestamp"
	FROM imports i
	WHERE i.stage = 'IMPORT_PENDING'
	  AND NOT EXISTS (
	      SELECT 1 FROM imports later
	      WHERE later.uuid = i.uuid AND later."timestamp" > i."timestamp"
	  )
	ORDER BY i."timestamp" ASC, i.uuid ASC
	LIMIT 1
	FOR UPDATE OF i SKIP LOCKED`

// ClaimNext atomically claims the oldest IMPORT_PENDING order: it locks
// the pending row, appends an IMPORT_STARTED event for the same uuid, and
// returns the order with its preprocessing config (if any) attached.
// Returns (nil, nil) when the queue is empty.
func (t *Tracker) ClaimNext(ctx context.Context) (*domain.Order, error) {
	var order *domain.Order
	err := t.withRetry(ctx, "claim_next", func() error {
		var err error
		order, err = t.claimNextOnce(ctx)
		return err
	})
	return order, err
}

func (t *Tracker) claimNextOnce(ctx context.Context) (*domain.Order, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var (
		o         domain.Order
		ctid      string
		filesJSON []byte
		preID     sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `WITH pending AS (`+latestPendingCTE+`)
		SELECT ctid, uuid, group_name, user_name, destination_id,
		       destination_type, files, preprocessing_id
		FROM pending
	`).Scan(&ctid, &o.UUID, &o.GroupName, &o.UserName, &o.DestinationID,
		&o.DestinationType, &filesJSON, &preID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	if err := json.Unmarshal(filesJSON, &o.Files); err != nil {
		return nil, fmt.Errorf("decode files for %s: %w", o.UUID, err)
	}

	// Conditional append: asserts the locked row is still the newest event
	// for this uuid at insert time.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO imports
			(uuid, stage, group_name, user_name, destination_id,
			 destination_type, files, preprocessing_id, "timestamp")
		SELECT uuid, 'IMPORT_STARTED', group_name, user_name, destination_id,
		       destination_type, files, preprocessing_id, NOW()
		FROM imports i
		WHERE i.ctid = $1::tid
		  AND NOT EXISTS (
		      SELECT 1 FROM imports later
		      WHERE later.uuid = i.uuid AND later."timestamp" > i."timestamp"
		  )
	`, ctid)
	if err != nil {
		return nil, fmt.Errorf("append IMPORT_STARTED for %s: %w", o.UUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another claimer; treat as empty poll.
		return nil, nil
	}

	if preID.Valid {
		pre, err := loadPreprocessing(ctx, tx, preID.Int64)
		if err != nil {
			return nil, err
		}
		o.Preprocessing = pre
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim for %s: %w", o.UUID, err)
	}

	o.Stage = domain.StageStarted
	o.Timestamp = time.Now()
	return &o, nil
}

func loadPreprocessing(ctx context.Context, tx *sql.Tx, id int64) (*domain.Preprocessing, error) {
	p := &domain.Preprocessing{ID: id}
	var paramsJSON []byte
	err := tx.QueryRowContext(ctx, `
		SELECT container, input_file, output_folder,
		       COALESCE(alt_output_folder, ''), COALESCE(extra_params, '{}')
		FROM imports_preprocessing
		WHERE id = $1
	`, id).Scan(&p.Container, &p.InputFile, &p.OutputFolder, &p.AltOutputFolder, &paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("load preprocessing %d: %w", id, err)
	}
	if err := json.Unmarshal(paramsJSON, &p.ExtraParams); err != nil {
		return nil, fmt.Errorf("decode extra_params for preprocessing %d: %w", id, err)
	}
	return p, nil
}

// Record appends a stage transition for uuid. The transition is checked
// against the stage machine inside the same transaction; non-conforming
// writes fail with domain.ErrStageConflict and are never retried.
func (t *Tracker) Record(ctx context.Context, uuid string, stage domain.Stage, message string) error {
	return t.withRetry(ctx, "record", func() error {
		return t.recordOnce(ctx, uuid, stage, message)
	})
}

func (t *Tracker) recordOnce(ctx context.Context, uuid string, stage domain.Stage, message string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer tx.Rollback()

	var current domain.Stage
	err = tx.QueryRowContext(ctx, `
		SELECT stage FROM imports
		WHERE uuid = $1
		ORDER BY "timestamp" DESC
		LIMIT 1
		FOR UPDATE
	`, uuid).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: no events for %s", domain.ErrStageConflict, uuid)
	}
	if err != nil {
		return fmt.Errorf("latest stage for %s: %w", uuid, err)
	}

	if !current.CanTransitionTo(stage) {
		return fmt.Errorf("%w: %s -> %s for %s", domain.ErrStageConflict, current, stage, uuid)
	}

	var msg sql.NullString
	if message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO imports
			(uuid, stage, group_name, user_name, destination_id,
			 destination_type, files, preprocessing_id, message, "timestamp")
		SELECT uuid, $2, group_name, user_name, destination_id,
		       destination_type, files, preprocessing_id, $3, NOW()
		FROM imports
		WHERE uuid = $1
		ORDER BY "timestamp" DESC
		LIMIT 1
	`, uuid, string(stage), msg)
	if err != nil {
		return fmt.Errorf("append %s for %s: %w", stage, uuid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record for %s: %w", uuid, err)
	}
	return nil
}

// CurrentStage returns the latest stage for uuid.
func (t *Tracker) CurrentStage(ctx context.Context, uuid string) (domain.Stage, error) {
	var stage domain.Stage
	err := t.db.QueryRowContext(ctx, `
		SELECT stage FROM imports
		WHERE uuid = $1
		ORDER BY "timestamp" DESC
		LIMIT 1
	`, uuid).Scan(&stage)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no events for %s", uuid)
	}
	if err != nil {
		return "", fmt.Errorf("current stage for %s: %w", uuid, err)
	}
	return stage, nil
}

// ListDangling returns every uuid whose current stage is IMPORT_STARTED.
// Used only by startup recovery.
func (t *Tracker) ListDangling(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT DISTINCT ON (uuid) uuid, stage
		FROM imports
		ORDER BY uuid, "timestamp" DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list dangling: %w", err)
	}
	defer rows.Close()

	var dangling []string
	for rows.Next() {
		var uuid string
		var stage domain.Stage
		if err := rows.Scan(&uuid, &stage); err != nil {
			return nil, fmt.Errorf("scan dangling row: %w", err)
		}
		if stage == domain.StageStarted {
			dangling = append(dangling, uuid)
		}
	}
	return dangling, rows.Err()
}

// StageCounts returns the number of orders currently at each stage,
// counting only the latest event per uuid. Feeds the status API.
func (t *Tracker) StageCounts(ctx context.Context) (map[domain.Stage]int, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT stage, COUNT(*)
		FROM (
			SELECT DISTINCT ON (uuid) uuid, stage
			FROM imports
			ORDER BY uuid, "timestamp" DESC
		) latest
		GROUP BY stage
	`)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Stage]int)
	for rows.Next() {
		var stage domain.Stage
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

// withRetry runs op up to maxWriteAttempts times with exponential backoff,
// retrying only transient transport errors. Stage conflicts and integrity
// violations fail immediately.
func (t *Tracker) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = op()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == maxWriteAttempts {
			break
		}
		backoff := baseBackoff << (attempt - 1)
		logger.Warn("transient db error, retrying",
			"op", name, "attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", name, err)
}

// isTransient classifies a database error. Connection-level failures are
// transient; constraint and stage-machine violations are not.
func isTransient(err error) bool {
	if errors.Is(err, domain.ErrStageConflict) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // connection exceptions
			return true
		case "40": // serialization failure, deadlock
			return true
		case "57": // operator intervention (shutdown in progress)
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused")
}
