package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MatchRadiusKm != 5 || cfg.MatchLimit != 5 || cfg.TimeZone != time.UTC {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RideRequestTTL != 0 {
		t.Fatalf("expiry should be off by default")
	}
	if cfg.OSRMTimeout != 500*time.Millisecond || cfg.ETATimeout != time.Second {
		t.Fatalf("unexpected eta timeouts osrm=%v total=%v", cfg.OSRMTimeout, cfg.ETATimeout)
	}
}

func TestLoadServerConfigETATimeoutsIndependentOfPricing(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("PRICING_TIMEOUT", "5s")
	t.Setenv("OSRM_TIMEOUT", "300ms")
	t.Setenv("ETA_TIMEOUT", "800ms")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PricingTimeout != 5*time.Second {
		t.Fatalf("pricing timeout %v", cfg.PricingTimeout)
	}
	if cfg.OSRMTimeout != 300*time.Millisecond || cfg.ETATimeout != 800*time.Millisecond {
		t.Fatalf("osrm=%v total=%v", cfg.OSRMTimeout, cfg.ETATimeout)
	}

	t.Setenv("ETA_TIMEOUT", "0s")
	if _, err := LoadServerConfig(); err == nil || !strings.Contains(err.Error(), "ETA_TIMEOUT") {
		t.Fatalf("expected ETA_TIMEOUT error, got %v", err)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MATCH_RADIUS_KM", "7.5")
	t.Setenv("SERVICE_TZ", "Africa/Kinshasa")
	t.Setenv("RIDE_REQUEST_TTL", "3m")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.MatchRadiusKm != 7.5 || cfg.RideRequestTTL != 3*time.Minute {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if cfg.TimeZone.String() != "Africa/Kinshasa" {
		t.Fatalf("unexpected zone %v", cfg.TimeZone)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MATCH_LIMIT", "many")
	t.Setenv("PRICING_TIMEOUT", "soon")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"JWT_SECRET", "MATCH_LIMIT", "PRICING_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("RIDE_DOTENV_SAMPLE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RIDE_DOTENV_SAMPLE", "")
	os.Unsetenv("RIDE_DOTENV_SAMPLE")
	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("RIDE_DOTENV_SAMPLE"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}
