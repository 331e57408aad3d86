package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mentionbot/internal/config"
	"mentionbot/internal/ledger"
	"mentionbot/internal/mention"
	"mentionbot/internal/optin"
	"mentionbot/internal/schedule"
	logx "mentionbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget returns the chat receiving Telegram log lines, 0 when unset or invalid.
func logTarget(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStoreConfig(cfg *config.Config) (ledger.StoreConfig, error) {
	mode, err := ledger.ParseMode(cfg.Ledger.Scope)
	if err != nil {
		return ledger.StoreConfig{}, fmt.Errorf("ledger.scope: %w", err)
	}
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", cfg.Ledger.BusyTimeout, 5*time.Second)
	if err != nil {
		return ledger.StoreConfig{}, err
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)); d {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		return ledger.StoreConfig{}, fmt.Errorf("ledger.driver: unknown driver %q", cfg.Ledger.Driver)
	}
	return ledger.StoreConfig{
		Driver:      cfg.Ledger.Driver,
		Path:        cfg.Ledger.Path,
		Mode:        mode,
		BusyTimeout: busy,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (mention.Config, error) {
	if cfg.Broadcast.BatchSize < 0 {
		return mention.Config{}, fmt.Errorf("broadcast.batch_size must be >= 0")
	}
	pace, err := config.ParseDurationUnlessEmpty("broadcast.pace", cfg.Broadcast.Pace, mention.DefaultPace)
	if err != nil {
		return mention.Config{}, err
	}
	policy, err := mention.ParseRetryPolicy(cfg.Broadcast.OnRetryFailure)
	if err != nil {
		return mention.Config{}, fmt.Errorf("broadcast.on_retry_failure: %w", err)
	}
	t := cfg.Texts
	return mention.Config{
		BatchSize:      cfg.Broadcast.BatchSize,
		Pace:           pace,
		OnRetryFailure: policy,
		Texts: mention.Texts{
			GroupOnly: t.GroupOnly,
			Empty:     t.Empty,
			LeadIn:    t.LeadIn,
		},
	}, nil
}

func mapOptInConfig(cfg *config.Config) (optin.Config, error) {
	d, err := config.ParseDurationUnlessEmpty("optin.delete_after", cfg.OptIn.DeleteAfter, optin.DefaultDeleteAfter)
	if err != nil {
		return optin.Config{}, err
	}
	t := cfg.Texts
	texts := optin.Texts{
		Prompt:         t.Prompt,
		Button:         t.Button,
		Added:          t.Added,
		AlreadyPresent: t.AlreadyPresent,
		SaveFailed:     t.SaveFailed,
		OptedOut:       t.OptedOut,
		NotOptedIn:     t.NotOptedIn,
		Stats:          t.Stats,
		StatsFailed:    t.StatsFailed,
	}
	if err := texts.Validate(); err != nil {
		return optin.Config{}, err
	}
	return optin.Config{
		PromptOnJoin: cfg.OptIn.PromptOnJoin,
		DeleteAfter:  d,
		Texts:        texts,
	}, nil
}

func mapJobs(cfg *config.Config) []schedule.Job {
	jobs := make([]schedule.Job, 0, len(cfg.Broadcast.Schedules))
	for _, s := range cfg.Broadcast.Schedules {
		jobs = append(jobs, schedule.Job{
			Name:     s.Name,
			ChatID:   s.ChatID,
			ThreadID: s.ThreadID,
			Spec:     s.Spec,
		})
	}
	return jobs
}

// validate rejects configs that would fail to map. Schedules are checked
// with sched's parser without touching its running set.
func validate(cfg *config.Config, sched *schedule.Service) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is empty")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
		}
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOptInConfig(cfg); err != nil {
		return err
	}
	if err := sched.Validate(mapJobs(cfg)); err != nil {
		return fmt.Errorf("broadcast.%w", err)
	}
	return nil
}
