package config_test

import (
	"testing"

	"github.com/driftmail/outbound/internal/config"
)

func TestDefaultMatchesSpecBounds(t *testing.T) {
	cfg := config.Default()

	if cfg.MaxMX != 5 {
		t.Fatalf("MaxMX = %d, want 5", cfg.MaxMX)
	}
	if cfg.MaxMultihomed != 2 {
		t.Fatalf("MaxMultihomed = %d, want 2", cfg.MaxMultihomed)
	}
	if len(cfg.Schedule) == 0 {
		t.Fatal("expected a non-empty retry schedule")
	}
	if !cfg.TryMTASTS {
		t.Fatal("expected MTA-STS fetching enabled by default")
	}
}

func TestTLSStrategyIsTLSRequired(t *testing.T) {
	cases := []struct {
		name     string
		strategy config.TLSStrategy
		want     bool
	}{
		{"all optional", config.TLSStrategy{MTASTS: config.TLSOptional, DANE: config.TLSOptional, TLS: config.TLSOptional}, false},
		{"tls required", config.TLSStrategy{TLS: config.TLSRequired}, true},
		{"mta-sts required", config.TLSStrategy{MTASTS: config.TLSRequired}, true},
		{"dane required", config.TLSStrategy{DANE: config.TLSRequired}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.strategy.IsTLSRequired(); got != c.want {
				t.Fatalf("IsTLSRequired() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestTLSRequirementRequired(t *testing.T) {
	if config.TLSOptional.Required() {
		t.Fatal("TLSOptional.Required() should be false")
	}
	if !config.TLSRequired.Required() {
		t.Fatal("TLSRequired.Required() should be true")
	}
}
