package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.TickPeriodMS != 100 || c.ControlTickDivisor != 10 || c.BufferMax != 5000 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TICK_PERIOD_MS", "250")
	t.Setenv("WS_PORT", "9001")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.TickPeriodMS != 250 || c.WSPort != 9001 {
		t.Fatalf("env override not applied: %+v", c)
	}
}

func TestLoadRejectsInvalidBounds(t *testing.T) {
	t.Setenv("TICK_PERIOD_MS", "-5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected config error for negative tick period")
	}
}

func TestLoadYAMLLayer(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	_, _ = f.WriteString("buffer_max: 9999\nseed_realms:\n  - game_id: tavern\n    realm_id: Golden Dragon\n")
	_ = f.Close()

	c, err := Load(f.Name())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.BufferMax != 9999 {
		t.Fatalf("expected yaml layer to set buffer_max, got %d", c.BufferMax)
	}
	if len(c.SeedRealms) != 1 || c.SeedRealms[0].GameID != "tavern" {
		t.Fatalf("unexpected seed realms: %+v", c.SeedRealms)
	}
}
