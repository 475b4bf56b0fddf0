package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ingestion service.
type Config struct {
	// IngestTrackingDB is the Postgres connection string for the tracking
	// database. Overridden by INGEST_TRACKING_DB_URL.
	IngestTrackingDB string `yaml:"ingest_tracking_db"`

	// BaseDir is the root of shared storage. Informational; recorded in
	// logs but never required to prefix order paths.
	BaseDir string `yaml:"base_dir"`

	// ManagedRepoRoot is the root of the repository's managed filesystem
	// tree, used for symlink rewiring and fast-local staging.
	ManagedRepoRoot string `yaml:"managed_repo_root"`

	MaxWorkers          int `yaml:"max_workers"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	LogLevel    string `yaml:"log_level"`
	LogFilePath string `yaml:"log_file_path"`

	// StatusAddr is the listen address of the read-only status API.
	// Empty disables the listener.
	StatusAddr string `yaml:"status_addr"`

	// Import CLI tuning, forwarded per invocation.
	ParallelUploadPerWorker   int  `yaml:"parallel_upload_per_worker"`
	ParallelFilesetsPerWorker int  `yaml:"parallel_filesets_per_worker"`
	SkipChecksum              bool `yaml:"skip_checksum"`
	SkipMinMax                bool `yaml:"skip_minmax"`
	SkipThumbnails            bool `yaml:"skip_thumbnails"`
	SkipUpgrade               bool `yaml:"skip_upgrade"`
	SkipAll                   bool `yaml:"skip_all"`

	// UseRegisterZarr selects the zarr-register code path in the import
	// CLI. Overridden by USE_REGISTER_ZARR.
	UseRegisterZarr bool `yaml:"use_register_zarr"`

	// TTLForUserConn is the per-user session TTL in milliseconds.
	TTLForUserConn int64 `yaml:"ttl_for_user_conn"`

	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// OMERO holds the repository connection, populated from environment.
	OMERO OMEROConfig `yaml:"-"`

	// PodmanUsernsMode is forwarded as --userns to the container runtime.
	// Populated from PODMAN_USERNS_MODE.
	PodmanUsernsMode string `yaml:"-"`

	// RunMigrations and AllowAutoStamp gate the boot-time migrator,
	// populated from ADI_RUN_MIGRATIONS / ADI_ALLOW_AUTO_STAMP.
	RunMigrations  bool `yaml:"-"`
	AllowAutoStamp bool `yaml:"-"`
}

// OMEROConfig holds the repository connection and root credentials.
type OMEROConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// PollInterval returns the poller sleep between empty polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SessionTTL returns the per-user session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.TTLForUserConn) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for in-flight workers.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// StatusAddr is preset so that an absent key gets the default while an
	// explicit empty value survives the parse and disables the listener.
	cfg := Config{StatusAddr: ":8088"}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Set defaults
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFilePath == "" {
		cfg.LogFilePath = "logs/app.logs"
	}
	if cfg.ManagedRepoRoot == "" {
		cfg.ManagedRepoRoot = "/OMERO"
	}
	if cfg.ParallelUploadPerWorker == 0 {
		cfg.ParallelUploadPerWorker = 2
	}
	if cfg.ParallelFilesetsPerWorker == 0 {
		cfg.ParallelFilesetsPerWorker = 1
	}
	if cfg.TTLForUserConn == 0 {
		cfg.TTLForUserConn = 600000 // 10 minutes
	}
	if cfg.ShutdownGraceSeconds == 0 {
		cfg.ShutdownGraceSeconds = 30
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dsn := os.Getenv("INGEST_TRACKING_DB_URL"); dsn != "" {
		cfg.IngestTrackingDB = dsn
	}
	if v := os.Getenv("USE_REGISTER_ZARR"); v != "" {
		cfg.UseRegisterZarr = envBool(v)
	}
	cfg.PodmanUsernsMode = os.Getenv("PODMAN_USERNS_MODE")
	cfg.RunMigrations = envBool(os.Getenv("ADI_RUN_MIGRATIONS"))
	cfg.AllowAutoStamp = envBool(os.Getenv("ADI_ALLOW_AUTO_STAMP"))

	cfg.OMERO = OMEROConfig{
		Host:     os.Getenv("OMERO_HOST"),
		User:     os.Getenv("OMERO_USER"),
		Password: os.Getenv("OMERO_PASSWORD"),
		Port:     4064,
	}
	if p := os.Getenv("OMERO_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("OMERO_PORT %q: %w", p, err)
		}
		cfg.OMERO.Port = port
	}

	return cfg, nil
}

// Validate checks the settings a boot cannot proceed without.
func (c *Config) Validate() error {
	if c.IngestTrackingDB == "" {
		return fmt.Errorf("ingest_tracking_db is required (or INGEST_TRACKING_DB_URL)")
	}
	if c.OMERO.Host == "" {
		return fmt.Errorf("OMERO_HOST is required")
	}
	if c.OMERO.User == "" || c.OMERO.Password == "" {
		return fmt.Errorf("OMERO_USER and OMERO_PASSWORD are required")
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	return nil
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
