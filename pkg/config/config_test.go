package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"densitymap/pkg/spatial"
)

func TestDefaultMatchesStockTiers(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Debounce != 200*time.Millisecond {
		t.Fatalf("debounce=%v want 200ms", cfg.Debounce)
	}
	if cfg.Preview.Ceiling != 1200 || cfg.Preview.Divisor != 4 {
		t.Fatalf("preview=%+v", cfg.Preview)
	}
	if got := cfg.TiersFor(spatial.Population).Budget(13); got != 8000 {
		t.Fatalf("population z13=%d want 8000", got)
	}
	if got := cfg.TiersFor(spatial.Pollution).Budget(13); got != 6000 {
		t.Fatalf("pollution z13=%d want 6000", got)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
server: https://maps.example.org
debounce: 350ms
preview:
  ceiling: 800
tiers:
  pollution:
    floor: 1000
    steps:
      - {min_zoom: 10, budget: 3000}
      - {min_zoom: 14, budget: 4000}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Debounce != 350*time.Millisecond || cfg.Preview.Ceiling != 800 || cfg.Preview.Divisor != 4 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if got := cfg.TiersFor(spatial.Pollution).Budget(12); got != 3000 {
		t.Fatalf("pollution z12=%d want 3000", got)
	}
	if got := cfg.TiersFor(spatial.Population).Budget(12); got != 6000 {
		t.Fatalf("population default lost: z12=%d", got)
	}
}

func TestParseRejectsShrinkingTiers(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`
tiers:
  population:
    floor: 2500
    steps:
      - {min_zoom: 9, budget: 6000}
      - {min_zoom: 13, budget: 5000}
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "densitymap.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  ttl: 30s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Fatalf("ttl=%v want 30s", cfg.Cache.TTL)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
