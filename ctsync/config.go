package ctsync

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config carries every process-wide knob. Connection strings are mandatory;
// everything else has a default.
type Config struct {
	Env        string
	PrimaryURL string
	ReplicaURL string
	RedisURL   string

	PollInterval       time.Duration
	ModuleSyncInterval time.Duration
	ChunkSize          int
	Concurrency        int64
	MetadataTimeout    time.Duration

	Rules *Rules
}

// TableRule is a per-table override from the optional sync.yaml file.
type TableRule struct {
	ChunkSize int  `yaml:"chunk_size"`
	Exclude   bool `yaml:"exclude"`
}

// Rules is the optional operator-provided rules file.
type Rules struct {
	Tables map[string]TableRule `yaml:"tables"`
}

// LoadConfig reads the layered .env files and the environment. Missing
// connection strings are a fatal configuration error.
func LoadConfig() (*Config, error) {
	env := os.Getenv("GOMSSYNC_ENV")
	if env == "" {
		env = "development"
	}

	godotenv.Load(".env." + env + ".local")
	if env != "test" {
		godotenv.Load(".env.local")
	}
	godotenv.Load(".env." + env)
	godotenv.Load() // The Original .env

	cfg := &Config{
		Env:                env,
		PrimaryURL:         os.Getenv("MSSQL_PRIMARY_URL"),
		ReplicaURL:         os.Getenv("MSSQL_REPLICA_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		PollInterval:       envDuration("SYNC_POLL_INTERVAL", 5*time.Second),
		ModuleSyncInterval: envDuration("MODULE_SYNC_INTERVAL", 30*time.Second),
		ChunkSize:          envInt("SYNC_CHUNK_SIZE", 5000),
		Concurrency:        int64(envInt("SYNC_THREADS", runtime.NumCPU()*2)),
		MetadataTimeout:    envDuration("SYNC_METADATA_TIMEOUT", 60*time.Second),
	}

	if cfg.PrimaryURL == "" {
		return nil, errors.New("MSSQL_PRIMARY_URL must be set")
	}
	if cfg.ReplicaURL == "" {
		return nil, errors.New("MSSQL_REPLICA_URL must be set")
	}
	if cfg.PrimaryURL == cfg.ReplicaURL {
		return nil, errors.New("MSSQL_PRIMARY_URL and MSSQL_REPLICA_URL cannot be the same")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL must be set")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	rulesPath := os.Getenv("SYNC_RULES_FILE")
	if rulesPath == "" {
		rulesPath = "sync.yaml"
	}
	rules, err := LoadRules(rulesPath)
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules

	return cfg, nil
}

// LoadRules parses the optional per-table rules file. A missing file yields
// empty rules; a malformed one is a configuration error.
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Rules{}, nil
		}
		return nil, errors.WithMessagef(err, "read rules file %s", path)
	}

	rules := &Rules{}
	if err := yaml.Unmarshal(raw, rules); err != nil {
		return nil, errors.WithMessagef(err, "parse rules file %s", path)
	}
	return rules, nil
}

// Excluded reports whether the operator opted a table out of replication.
func (r *Rules) Excluded(table string) bool {
	if r == nil {
		return false
	}
	return r.Tables[table].Exclude
}

// ChunkFor returns the full-load page size for a table, honoring per-table
// overrides.
func (c *Config) ChunkFor(table string) int {
	if c.Rules != nil {
		if rule, ok := c.Rules.Tables[table]; ok && rule.ChunkSize > 0 {
			return rule.ChunkSize
		}
	}
	return c.ChunkSize
}

// ModuleSyncEveryTicks converts the module-sync interval into discovery
// ticks, never less than one.
func (c *Config) ModuleSyncEveryTicks() int {
	if c.PollInterval <= 0 {
		return 1
	}
	ticks := int(c.ModuleSyncInterval / c.PollInterval)
	if ticks < 1 {
		return 1
	}
	return ticks
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
