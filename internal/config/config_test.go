package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_SeedTable(t *testing.T) {
	t.Parallel()
	cfg := Default()

	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Seeds) != 21 {
		t.Fatalf("expected 7 seeds per plan, got %d total", len(cfg.Seeds))
	}
	names := make(map[string]bool)
	for _, s := range cfg.Seeds {
		if names[s.Name] {
			t.Fatalf("duplicate seed name %q", s.Name)
		}
		names[s.Name] = true
		if _, ok := cfg.Plans[s.Plan]; !ok {
			t.Fatalf("seed %q references unknown plan %q", s.Name, s.Plan)
		}
		if s.Type == TypeBoss && len(s.Boss) == 0 {
			t.Fatalf("boss seed %q grants nothing", s.Name)
		}
	}
	// No seed name may be a prefix of another: lookup is by prefix match.
	for a := range names {
		for b := range names {
			if a != b && len(a) <= len(b) && b[:len(a)] == a {
				t.Fatalf("seed name %q is a prefix of %q", a, b)
			}
		}
	}
}

func TestSeedAccountBearing(t *testing.T) {
	t.Parallel()
	// Every shipped seed type embeds an account id in its tokens.
	for _, s := range Default().Seeds {
		if !s.AccountBearing() {
			t.Fatalf("seed type %q not account bearing", s.Type)
		}
	}
	// The zero seed, as returned by a failed table lookup, is not.
	if (Seed{}).AccountBearing() {
		t.Fatal("zero seed claims an account")
	}
}

func TestDefault_Settings(t *testing.T) {
	t.Parallel()
	s := Default().Settings

	if s.DefaultDays != 28 {
		t.Fatalf("DefaultDays=%d", s.DefaultDays)
	}
	if s.IntentLifetime != 15*time.Second {
		t.Fatalf("IntentLifetime=%v", s.IntentLifetime)
	}
	if s.SlotLimitLifetime != 48*time.Hour {
		t.Fatalf("SlotLimitLifetime=%v", s.SlotLimitLifetime)
	}
}

func TestLoad_Override(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "efx.toml")
	doc := `
algo_key = "prod-algo"
intent_lifetime = "20s"

[[seeds]]
type = "writer"
plan = "b"
name = "wbk"
value = "prod-writer-secret"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AlgoKey != "prod-algo" {
		t.Fatalf("AlgoKey=%q", cfg.AlgoKey)
	}
	if cfg.Settings.IntentLifetime != 20*time.Second {
		t.Fatalf("IntentLifetime=%v", cfg.Settings.IntentLifetime)
	}
	// A seeds table replaces the dev table wholesale.
	if len(cfg.Seeds) != 1 || cfg.Seeds[0].Value != "prod-writer-secret" {
		t.Fatalf("seeds=%+v", cfg.Seeds)
	}
	// Untouched keys keep their defaults.
	if cfg.Settings.DefaultDays != 28 || len(cfg.Plans) != 3 {
		t.Fatalf("defaults clobbered: %+v", cfg.Settings)
	}
}

func TestLoad_RejectsShortSecret(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "efx.toml")
	doc := `
[[seeds]]
type = "writer"
plan = "a"
name = "wak"
value = "tiny"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("want error on short seed secret")
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIName != "efx" || len(cfg.Seeds) == 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
