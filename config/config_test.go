package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"storage": {"ledger": "memory"}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Budget.Monthly != 50 || cfg.Budget.AlertThreshold != 0.8 || cfg.Budget.Backend != "file" {
		t.Fatalf("unexpected budget defaults %+v", cfg.Budget)
	}
	if cfg.Search.Delay != 500*time.Millisecond || cfg.Search.Retries != 3 {
		t.Fatalf("unexpected search defaults %+v", cfg.Search)
	}
	if cfg.Stages.Parallelism != 4 || cfg.General.DefaultDomain != "machine_learning" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Stages, cfg.General)
	}
	if cfg.Telemetry.MetricsPath != "/metrics" {
		t.Fatalf("unexpected metrics path %q", cfg.Telemetry.MetricsPath)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"llm": {"model": "gpt-4o", "cost_per_1k_input": 0.005},
		"budget": {"monthly": 20, "enforce": true},
		"search": {"delay": "2s"},
		"storage": {"ledger": "postgres", "postgres": {"url": "postgres://u:p@db:5432/r?sslmode=disable"}}
	}`)
	t.Setenv("RESEARCHER_LLM_API_KEY", "sk-test")
	t.Setenv("RESEARCHER_BUDGET_MONTHLY", "75")
	t.Setenv("RESEARCHER_SERVER_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.CostPer1K != 0.005 || cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("unexpected llm config %+v", cfg.LLM)
	}
	if cfg.Budget.Monthly != 75 || !cfg.Budget.Enforce {
		t.Fatalf("env override not applied: %+v", cfg.Budget)
	}
	if cfg.Search.Delay != 2*time.Second {
		t.Fatalf("expected 2s delay, got %v", cfg.Search.Delay)
	}
	if cfg.Server.JWTSecret != "s3cret" {
		t.Fatalf("jwt secret not bound from env")
	}
	if got := cfg.Storage.Postgres.DSN(); !strings.HasPrefix(got, "postgres://") {
		t.Fatalf("expected url DSN, got %q", got)
	}
}

func TestLoadRejectsInvalidSections(t *testing.T) {
	cases := map[string]string{
		"alert threshold": `{"storage": {"ledger": "memory"}, "budget": {"alert_threshold": 1.5}}`,
		"budget backend":  `{"storage": {"ledger": "memory"}, "budget": {"backend": "s3"}}`,
		"ledger":          `{"storage": {"ledger": "sqlite"}}`,
		"vault root":      `{"storage": {"ledger": "memory"}, "vault": {"enabled": true, "root": " "}}`,
		"temperature":     `{"storage": {"ledger": "memory"}, "llm": {"temperature": 3}}`,
		"redis host":      `{"storage": {"ledger": "memory", "redis": {"host": ""}}, "budget": {"backend": "redis"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for a missing explicit config file")
	}
}

func TestPostgresDSNFromParts(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "r"}
	want := "host=db port=5432 user=u password=p dbname=r sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}
