package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ALLOWED_ORIGIN", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("PROMO_CACHE_TTL_SECONDS", "")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "")
	t.Setenv("SWEEP_INTERVAL_MINUTES", "")
	t.Setenv("REASSIGN_AFTER_HOURS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %s", cfg.Address())
	}
	if cfg.PromoCacheTTLSeconds != 30 {
		t.Fatalf("expected default promo TTL 30, got %d", cfg.PromoCacheTTLSeconds)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected default token TTL 480, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.SweepIntervalMinutes != 15 || cfg.ReassignAfterHours != 24 {
		t.Fatalf("unexpected worker defaults %d/%d", cfg.SweepIntervalMinutes, cfg.ReassignAfterHours)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGIN", "https://app.example.com")
	t.Setenv("PROMO_CACHE_TTL_SECONDS", "120")
	t.Setenv("AUTH_SECRET", "  secret-with-spaces  ")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port override, got %s", cfg.Port)
	}
	if cfg.AllowedOrigin != "https://app.example.com" {
		t.Fatalf("expected origin override, got %s", cfg.AllowedOrigin)
	}
	if cfg.PromoCacheTTLSeconds != 120 {
		t.Fatalf("expected promo TTL override, got %d", cfg.PromoCacheTTLSeconds)
	}
	if cfg.AuthSecret != "secret-with-spaces" {
		t.Fatalf("expected trimmed auth secret, got %q", cfg.AuthSecret)
	}
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("PROMO_CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("SWEEP_INTERVAL_MINUTES", "-5")

	cfg := Load()
	if cfg.PromoCacheTTLSeconds != 30 {
		t.Fatalf("expected fallback promo TTL, got %d", cfg.PromoCacheTTLSeconds)
	}
	if cfg.SweepIntervalMinutes != 15 {
		t.Fatalf("expected fallback sweep interval, got %d", cfg.SweepIntervalMinutes)
	}
}
