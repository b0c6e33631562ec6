package config

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"MAX_UPLOAD_MB", "LIVENESS_CUTOFF", "LIVENESS_SENTINEL", "ALLOWED_EXTENSIONS", "FACETOOLS_TIMEOUT", "JWT_SECRET", "IDENTITY_THRESHOLD"} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("expected defaults to load, got %v", err)
	}
	if cfg.MaxUploadBytes != 10<<20 {
		t.Fatalf("unexpected max upload bytes %d", cfg.MaxUploadBytes)
	}
	if cfg.LivenessCutoff != 0.6 || cfg.LivenessSentinel != 0.95 {
		t.Fatalf("unexpected liveness policy %v/%v", cfg.LivenessCutoff, cfg.LivenessSentinel)
	}
	if !math.IsInf(cfg.IdentityThreshold, -1) {
		t.Fatalf("single-image routes should accept any score by default, got %v", cfg.IdentityThreshold)
	}
	if want := []string{"pdf", "jpg", "jpeg", "png"}; !reflect.DeepEqual(cfg.AllowedExtensions, want) {
		t.Fatalf("unexpected extensions %v", cfg.AllowedExtensions)
	}
	if cfg.FaceToolsTimeout != 10*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.FaceToolsTimeout)
	}
	if cfg.JWTSecret != "" {
		t.Fatal("auth should be disabled by default")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ALLOWED_EXTENSIONS", " .PDF, png ,,")
	t.Setenv("DOCUMENT_MATCH_THRESHOLD", "0.72")
	t.Setenv("CANDIDATE_WORKERS", "8")
	t.Setenv("PERSISTENCE_ENABLED", "true")
	t.Setenv("IDENTITY_THRESHOLD", "0.3")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"pdf", "png"}; !reflect.DeepEqual(cfg.AllowedExtensions, want) {
		t.Fatalf("unexpected extensions %v", cfg.AllowedExtensions)
	}
	if cfg.DocumentMatchThreshold != 0.72 {
		t.Fatalf("unexpected threshold %v", cfg.DocumentMatchThreshold)
	}
	if cfg.IdentityThreshold != 0.3 {
		t.Fatalf("unexpected identity threshold %v", cfg.IdentityThreshold)
	}
	if cfg.CandidateWorkers != 8 || !cfg.PersistenceEnabled {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("LIVENESS_CUTOFF", "sixty")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expected error for malformed float")
	}
	if !strings.Contains(err.Error(), "LIVENESS_CUTOFF") {
		t.Fatalf("error should name the key, got %v", err)
	}
}

func TestFromEnvRejectsNonPositiveWorkers(t *testing.T) {
	t.Setenv("CANDIDATE_WORKERS", "0")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	t.Setenv("FACETOOLS_ADDR", "")
	os.Unsetenv("FACETOOLS_ADDR")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FACETOOLS_ADDR=models.internal:6000\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FaceToolsAddr != "models.internal:6000" {
		t.Fatalf("unexpected addr %q", cfg.FaceToolsAddr)
	}
}

func TestLoadToleratesMissingEnvFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}
