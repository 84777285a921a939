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
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.State.Driver != "sqlite" || cfg.State.DSN == "" {
		t.Fatalf("expected sqlite default, got %+v", cfg.State)
	}
	if cfg.Leader.Lease != 30*time.Second || cfg.Leader.RetryInterval != 10*time.Second {
		t.Fatalf("unexpected leader defaults %+v", cfg.Leader)
	}
	if cfg.WS.Debounce != 10*time.Second || cfg.WS.CheckDelayMin != 3*time.Second || cfg.WS.CheckDelayMax != 5*time.Second {
		t.Fatalf("unexpected ws defaults %+v", cfg.WS)
	}
	if cfg.WS.ReconnectBase != time.Second || cfg.WS.ReconnectMax != time.Minute {
		t.Fatalf("unexpected reconnect defaults %+v", cfg.WS)
	}
	if cfg.Pipeline.LiveWindow != 120*time.Second {
		t.Fatalf("unexpected live window %s", cfg.Pipeline.LiveWindow)
	}
	if !cfg.Notice.EnabledValue() || !cfg.WS.EnabledValue() {
		t.Fatalf("expected both feeds enabled by default")
	}
	if !cfg.Trade.DryRunValue() || cfg.Trade.Enabled {
		t.Fatalf("expected trading disabled and dry-run by default")
	}
	if !cfg.Metrics.EnabledValue() || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected metrics defaults %+v", cfg.Metrics)
	}
}

func TestLoadParsesSections(t *testing.T) {
	body := `
state:
  driver: postgres
  dsn: postgres://sniper@db/sniper
leader:
  backend: redis
  lease: 20s
  retry_interval: 5s
resilience:
  upstreams:
    notice:
      rps: 2
      burst: 1
ws:
  enabled: false
  symbols: [BTC_KRW, ETH_KRW]
baseline:
  retry_schedule: [10s, 20s]
trade:
  dry_run: false
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.State.Driver != "postgres" || !strings.HasPrefix(cfg.State.DSN, "postgres://") {
		t.Fatalf("unexpected state %+v", cfg.State)
	}
	if cfg.Leader.Backend != "redis" || cfg.Leader.Lease != 20*time.Second {
		t.Fatalf("unexpected leader %+v", cfg.Leader)
	}
	if got := cfg.Resilience.Upstreams["notice"]; got.RPS != 2 || got.Burst != 1 {
		t.Fatalf("unexpected upstream limit %+v", got)
	}
	if cfg.WS.EnabledValue() || len(cfg.WS.Symbols) != 2 {
		t.Fatalf("unexpected ws %+v", cfg.WS)
	}
	if len(cfg.Baseline.RetrySchedule) != 2 || cfg.Baseline.RetrySchedule[1] != 20*time.Second {
		t.Fatalf("unexpected retry schedule %v", cfg.Baseline.RetrySchedule)
	}
	if cfg.Trade.DryRunValue() {
		t.Fatalf("expected dry_run false")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LS_STATE_DSN", "/tmp/override.db")
	t.Setenv("LS_INSTANCE_ID", "host-a")
	t.Setenv("LS_TRADE_ENABLED", "true")
	cfg, err := Load(writeConfig(t, "state:\n  dsn: data/file.db\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.State.DSN != "/tmp/override.db" {
		t.Fatalf("expected dsn override, got %q", cfg.State.DSN)
	}
	if cfg.Leader.InstanceID != "host-a" || !cfg.Trade.Enabled {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Leader, cfg.Trade)
	}
}

func TestEnvOverrideRejectsBadBool(t *testing.T) {
	t.Setenv("LS_TRADE_ENABLED", "maybe")
	if _, err := Load(writeConfig(t, "{}\n")); err == nil {
		t.Fatalf("expected invalid LS_TRADE_ENABLED to fail")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"driver":   "state:\n  driver: mysql\n  dsn: x\n",
		"backend":  "leader:\n  backend: zookeeper\n",
		"lease":    "leader:\n  lease: 5s\n  retry_interval: 10s\n",
		"delay":    "ws:\n  check_delay_min: 5s\n  check_delay_max: 1s\n",
		"telegram": "telegram:\n  enabled: true\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
