package main

import (
	"testing"

	"komisiku/backend/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	cfg := config.Config{AuthSecret: "short"}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}

	cfg.AuthSecret = ""
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsLongSecret(t *testing.T) {
	cfg := config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"}
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected 32-char secret to pass, got %v", err)
	}
}
