package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultRetentionSeconds    = 24 * 60 * 60
	DefaultReapIntervalMinutes = 5
	DefaultMaxUploadBytes      = 10 << 20 // 10 MB
	DefaultMaxRows             = 100000
	DefaultInsertChunkSize     = 50
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	// Aliases adds header aliases on top of the built-in table, keyed by canonical field.
	Aliases map[string][]string `json:"aliases"`
}

type BasicConfig struct {
	ServerAddress       string `json:"server_address"`
	RetentionSeconds    int    `json:"retention_seconds"`
	ReapIntervalMinutes int    `json:"reap_interval_minutes"`
	MaxUploadBytes      int64  `json:"max_upload_bytes"`
	MaxRows             int    `json:"max_rows"`
	InsertChunkSize     int    `json:"insert_chunk_size"`
	MinWorkers          int    `json:"min_workers"`
	MaxWorkers          int    `json:"max_workers"`
	QueueSize           int    `json:"queue_size"`
	WorkerIdleTimeout   int    `json:"worker_idle_timeout"` // seconds
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis server has been configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.RetentionSeconds <= 0 {
		b.RetentionSeconds = DefaultRetentionSeconds
	}
	if b.ReapIntervalMinutes <= 0 {
		b.ReapIntervalMinutes = DefaultReapIntervalMinutes
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if b.MaxRows <= 0 {
		b.MaxRows = DefaultMaxRows
	}
	if b.InsertChunkSize <= 0 {
		b.InsertChunkSize = DefaultInsertChunkSize
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 30
	}
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
