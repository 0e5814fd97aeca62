package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("broker-a:9092, broker-b:9092, ,broker-c:9092,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "broker-a:9092" || got[2] != "broker-c:9092" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestClassifierTimeoutCapped(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CLASSIFIER_TIMEOUT_MS", "10000")
	cfg, problems := Load("test", 8080)
	if cfg.ClassifierTimeoutMS != 3000 {
		t.Fatalf("expected classifier timeout clamped to 3000, got %d", cfg.ClassifierTimeoutMS)
	}
	found := false
	for _, p := range problems {
		if p.Field == "CLASSIFIER_TIMEOUT_MS" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a problem for CLASSIFIER_TIMEOUT_MS, got %v", problems)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg, _ := Load("test", 8080)
	if cfg.ResolutionWindowHours != 48 {
		t.Fatalf("expected default resolution window 48h, got %d", cfg.ResolutionWindowHours)
	}
	if cfg.DedupeWindowHours != 24 {
		t.Fatalf("expected default dedupe window 24h, got %d", cfg.DedupeWindowHours)
	}
	if cfg.SweepIntervalMinutes != 15 {
		t.Fatalf("expected default sweep interval 15m, got %d", cfg.SweepIntervalMinutes)
	}
}
