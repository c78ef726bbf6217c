package postgres

import "testing"

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}

	bad := cfg
	bad.URL = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("empty URL accepted")
	}

	bad = cfg
	bad.MaxIdleConns = bad.MaxOpenConns + 1
	if err := bad.Validate(); err == nil {
		t.Fatal("idle > open accepted")
	}
}
