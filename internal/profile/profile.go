package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the courseloop server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Data is the data directory
	Data string
	// DSN points to where courseloop stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of the server
	Version string

	// Instructor LLM configuration
	AIBaseURL string // COURSELOOP_AI_BASE_URL (default: https://api.openai.com/v1)
	AIAPIKey  string // COURSELOOP_AI_API_KEY
	AIModel   string // COURSELOOP_AI_MODEL (default: gpt-4o-mini)

	// GenerationDeadline bounds every generation call. Never optional.
	GenerationDeadline time.Duration // COURSELOOP_AI_DEADLINE (default: 30s)
	// GenerationRetries is the transient-failure retry budget per interaction.
	GenerationRetries int // COURSELOOP_AI_RETRIES (default: 2)

	// Teaching defaults applied when a screen defines no constraint of its own.
	DefaultRatePerMinute int // COURSELOOP_RATE_PER_MINUTE (default: 6)
	DefaultMaxHints      int // COURSELOOP_MAX_HINTS (default: 3)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if an LLM endpoint is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.AIAPIKey != "" || p.AIBaseURL != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// FromEnv loads configuration from COURSELOOP_* environment variables.
func (p *Profile) FromEnv() {
	p.AIBaseURL = getEnvOrDefault("COURSELOOP_AI_BASE_URL", "https://api.openai.com/v1")
	p.AIAPIKey = os.Getenv("COURSELOOP_AI_API_KEY")
	p.AIModel = getEnvOrDefault("COURSELOOP_AI_MODEL", "gpt-4o-mini")

	if value := os.Getenv("COURSELOOP_AI_DEADLINE"); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			p.GenerationDeadline = d
		}
	}
	if p.GenerationDeadline == 0 {
		p.GenerationDeadline = 30 * time.Second
	}
	p.GenerationRetries = getIntEnvOrDefault("COURSELOOP_AI_RETRIES", 2)
	p.DefaultRatePerMinute = getIntEnvOrDefault("COURSELOOP_RATE_PER_MINUTE", 6)
	p.DefaultMaxHints = getIntEnvOrDefault("COURSELOOP_MAX_HINTS", 3)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unknown db driver %q: only 'postgres' and 'sqlite' are supported", p.Driver)
	}

	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("courseloop_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN")
	}

	return nil
}
