package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDecodeYAMLExpandsEnv(t *testing.T) {
	t.Setenv("MENTIONBOT_TEST_TOKEN", "123:abc")
	raw := []byte(`
telegram:
  token: "${MENTIONBOT_TEST_TOKEN}"
ledger:
  driver: file
  path: ./users.json
  scope: chat
broadcast:
  batch_size: 5
  pace: 1s
  schedules:
    - chat_id: -1001
      spec: "0 9 * * 1-5"
texts:
  lead_in: "Cost: $5 "
`)
	cfg, err := Decode("bot.yaml", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Texts.LeadIn != "Cost: $5 " {
		t.Fatalf("bare $ must be kept, got %q", cfg.Texts.LeadIn)
	}
	if len(cfg.Broadcast.Schedules) != 1 || cfg.Broadcast.Schedules[0].ChatID != -1001 {
		t.Fatalf("schedules = %+v", cfg.Broadcast.Schedules)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("bot.json", []byte(`{"telegram":{"token":"x"},"bogus":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("bot.json", []byte(`{"telegram":{"token":"x"}}{}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestParseDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
	if d, err := ParseDurationUnlessEmpty("x", "0s", 10*time.Second); err != nil || d != 0 {
		t.Fatalf("explicit 0s must stay 0, got %v, %v", d, err)
	}
	if d, err := ParseDurationUnlessEmpty("x", " ", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("empty must use default, got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration must fail")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("MENTIONBOT_TEST_ENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MENTIONBOT_TEST_ENV", "")
	os.Unsetenv("MENTIONBOT_TEST_ENV")

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("MENTIONBOT_TEST_ENV"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}

func TestManagerReloadPublishesValidatedChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"telegram":{"token":"x"},"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatal("unchanged file must not publish")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	write(`{"telegram":{"token":"x"},"logging":{"level":"debug"}}`)
	if !m.reload(ctx) {
		t.Fatal("changed file should publish")
	}
	got := <-sub
	if got.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
		t.Fatalf("published level = %q", got.Logging.Level)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return os.ErrInvalid })
	write(`{"telegram":{"token":"x"},"logging":{"level":"warn"}}`)
	if m.reload(ctx) {
		t.Fatal("rejected config must not publish")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected config must not be committed")
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := &Config{Broadcast: BroadcastConfig{Pace: "1s"}}
	b := &Config{Broadcast: BroadcastConfig{Pace: "2s"}, Texts: TextsConfig{LeadIn: "Hey: "}}
	got := ChangedSections(a, b)
	if len(got) != 2 || got[0] != "broadcast" || got[1] != "texts" {
		t.Fatalf("ChangedSections = %v", got)
	}
}
