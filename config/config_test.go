package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
chain:
  rpc_url: "https://rpc.example"
  chain_id: 8453
  pool: "0x1111111111111111111111111111111111111111"
  position_manager: "0x2222222222222222222222222222222222222222"
  reward_contract: "0x3333333333333333333333333333333333333333"
  reward_token: "0x4444444444444444444444444444444444444444"
oracle:
  endpoint: "https://prices.example/quote"
database:
  dsn: "file::memory:"
program:
  daily_budget: "5000000000000000000000"
  total_allocation: "900000000000000000000000"
  start: "2026-01-01T00:00:00Z"
  duration_days: 180
  absolute_max_claim_units: "10000000000000000000000"
claims:
  signer: local
  signer_key: "4c0883a69102937d6231471b5dbb6204fe512961708279f1d7c8b8e1a0a28b32"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Listen != ":7095" {
		t.Fatalf("unexpected listen default: %q", cfg.Listen)
	}
	if got := cfg.Chain.CallTimeout.Duration; got != 10*time.Second {
		t.Fatalf("unexpected call timeout default: %v", got)
	}
	if got := cfg.Chain.RetryBaseDelay.Duration; got != 250*time.Millisecond {
		t.Fatalf("unexpected retry base delay: %v", got)
	}
	if cfg.Chain.MaxAttempts != 3 {
		t.Fatalf("unexpected retry budget: %d", cfg.Chain.MaxAttempts)
	}
	if got := cfg.Lifecycle.Interval.Duration; got != 120*time.Second {
		t.Fatalf("unexpected reconciler interval: %v", got)
	}
	if got := cfg.Sync.Interval.Duration; got != 300*time.Second {
		t.Fatalf("unexpected sync interval: %v", got)
	}
	if got := cfg.Rewards.EpochLength.Duration; got != 24*time.Hour {
		t.Fatalf("unexpected epoch length: %v", got)
	}
	if got := cfg.Oracle.StaleHorizon.Duration; got != 10*time.Minute {
		t.Fatalf("unexpected stale horizon: %v", got)
	}
	if cfg.Program.SignificanceThreshold != "500" {
		t.Fatalf("unexpected significance threshold: %q", cfg.Program.SignificanceThreshold)
	}
	if cfg.Program.FullRangeBonus != "1.2" {
		t.Fatalf("unexpected full range bonus: %q", cfg.Program.FullRangeBonus)
	}
}

func TestLoadResolvesSignerKeyFromEnv(t *testing.T) {
	body := strings.Replace(minimalYAML,
		`  signer_key: "4c0883a69102937d6231471b5dbb6204fe512961708279f1d7c8b8e1a0a28b32"`,
		`  signer_key_env: "LPREWARDS_TEST_SIGNER_KEY"`, 1)
	t.Setenv("LPREWARDS_TEST_SIGNER_KEY", "4c0883a69102937d6231471b5dbb6204fe512961708279f1d7c8b8e1a0a28b32")

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Claims.SignerKey == "" {
		t.Fatalf("expected signer key resolved from env")
	}
}

func TestLoadResolvesDSNFromFile(t *testing.T) {
	dir := t.TempDir()
	dsnPath := filepath.Join(dir, "dsn")
	if err := os.WriteFile(dsnPath, []byte("postgres://rewards:secret@db/rewards\n"), 0o600); err != nil {
		t.Fatalf("write dsn file: %v", err)
	}
	body := strings.Replace(minimalYAML,
		`  dsn: "file::memory:"`,
		`  dsn_file: "`+dsnPath+`"`, 1)

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.DSN != "postgres://rewards:secret@db/rewards" {
		t.Fatalf("unexpected dsn: %q", cfg.Database.DSN)
	}
}

func TestLoadRejectsMissingChainConfig(t *testing.T) {
	body := strings.Replace(minimalYAML, `  rpc_url: "https://rpc.example"`, `  rpc_url: ""`, 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for missing rpc_url")
	}
}

func TestLoadRejectsUnknownSignerMode(t *testing.T) {
	body := strings.Replace(minimalYAML, "signer: local", "signer: vault", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for unknown signer mode")
	}
}

func TestLoadRejectsMalformedProgramStart(t *testing.T) {
	body := strings.Replace(minimalYAML, "2026-01-01T00:00:00Z", "yesterday", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for malformed program start")
	}
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	body := strings.Replace(minimalYAML, "oracle:\n", "oracle:\n  cache_ttl: \"soon\"\n", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}
