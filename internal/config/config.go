package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AcceptAnyIdentity is the default single-image threshold: any detected face is
// accepted, including negative cosine scores.
var AcceptAnyIdentity = math.Inf(-1)

// Config is the process-wide configuration, read once at startup.
type Config struct {
	HTTPAddr string
	LogLevel string

	FaceToolsAddr    string
	FaceToolsTimeout time.Duration

	AllowedExtensions []string
	MaxUploadBytes    int64
	WorkspaceDir      string
	CandidateWorkers  int

	// IdentityThreshold applies to the single-image routes, DocumentMatchThreshold to /verify_document.
	IdentityThreshold      float64
	DocumentMatchThreshold float64
	LivenessCutoff         float64
	LivenessSentinel       float64

	PersistenceEnabled bool
	DatabaseDSN        string
	RedisAddr          string

	JWTSecret   string
	JWTAudience string
}

// Load reads an optional .env file and then the environment. A missing .env is not an error.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	p := &parser{}
	cfg := Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":5000"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		FaceToolsAddr:          getEnv("FACETOOLS_ADDR", "facetools:50051"),
		FaceToolsTimeout:       p.duration("FACETOOLS_TIMEOUT", 10*time.Second),
		AllowedExtensions:      splitList(getEnv("ALLOWED_EXTENSIONS", "pdf,jpg,jpeg,png")),
		MaxUploadBytes:         int64(p.integer("MAX_UPLOAD_MB", 10)) << 20,
		WorkspaceDir:           getEnv("WORKSPACE_DIR", os.TempDir()),
		CandidateWorkers:       p.integer("CANDIDATE_WORKERS", 4),
		IdentityThreshold:      p.float("IDENTITY_THRESHOLD", AcceptAnyIdentity),
		DocumentMatchThreshold: p.float("DOCUMENT_MATCH_THRESHOLD", 0.5),
		LivenessCutoff:         p.float("LIVENESS_CUTOFF", 0.6),
		LivenessSentinel:       p.float("LIVENESS_SENTINEL", 0.95),
		PersistenceEnabled:     p.boolean("PERSISTENCE_ENABLED", false),
		DatabaseDSN:            getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=faceverify port=5432 sslmode=disable"),
		RedisAddr:              getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:              strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTAudience:            strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if len(c.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("ALLOWED_EXTENSIONS must not be empty"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_MB must be positive"))
	}
	if c.CandidateWorkers <= 0 {
		errs = append(errs, errors.New("CANDIDATE_WORKERS must be positive"))
	}
	if c.FaceToolsTimeout <= 0 {
		errs = append(errs, errors.New("FACETOOLS_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// parser keeps the first conversion error so FromEnv can read every key in one pass.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) boolean(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(item), "."))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
