package config

// Config is the on-disk configuration (JSON or YAML).
//
// Example (YAML):
//
//	telegram:
//	  token: "${BOT_TOKEN}"
//	ledger:
//	  driver: file
//	  path: ./interacted_users.json
//	  scope: chat
//	broadcast:
//	  batch_size: 5
//	  pace: 1s
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Ledger    LedgerConfig    `json:"ledger"`
	OptIn     OptInConfig     `json:"optin"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Texts     TextsConfig     `json:"texts,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the chat id receiving Telegram log lines (optional).
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LedgerConfig selects where opt-ins are stored and how they are scoped.
//
// Driver values:
//   - "file" (default): one pretty-printed JSON file
//   - "sqlite": SQLite database file
//
// Scope values:
//   - "chat" (default): one roster per chat
//   - "global": one roster shared by every chat
type LedgerConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	Scope       string `json:"scope,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type OptInConfig struct {
	// PromptOnJoin sends the opt-in prompt once per newly joined member.
	PromptOnJoin bool `json:"prompt_on_join"`
	// DeleteAfter removes the confirmation reply after this delay.
	// Empty means the default (10s); "0s" keeps replies.
	DeleteAfter string `json:"delete_after,omitempty"`
}

type BroadcastConfig struct {
	BatchSize int `json:"batch_size,omitempty"`
	// Pace is the pause after each successfully sent batch (default "1s").
	Pace string `json:"pace,omitempty"`
	// OnRetryFailure decides what happens when the single resend after a
	// flood-control error fails too: "continue" (default) or "abort".
	OnRetryFailure string           `json:"on_retry_failure,omitempty"`
	Schedules      []ScheduleConfig `json:"schedules,omitempty"`
}

// ScheduleConfig runs a broadcast for ChatID on Spec
// (cron "0 9 * * 1-5", "@daily", HH:MM interval "02:30", or duration "55m").
type ScheduleConfig struct {
	Name     string `json:"name,omitempty"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Spec     string `json:"spec"`
}

// TextsConfig overrides user-facing strings. Empty fields keep the defaults.
type TextsConfig struct {
	Prompt         string `json:"prompt,omitempty"`
	Button         string `json:"button,omitempty"`
	Added          string `json:"added,omitempty"`
	AlreadyPresent string `json:"already_present,omitempty"`
	SaveFailed     string `json:"save_failed,omitempty"`
	OptedOut       string `json:"opted_out,omitempty"`
	NotOptedIn     string `json:"not_opted_in,omitempty"`
	GroupOnly      string `json:"group_only,omitempty"`
	Empty          string `json:"empty,omitempty"`
	LeadIn         string `json:"lead_in,omitempty"`
	Stats          string `json:"stats,omitempty"`
	StatsFailed    string `json:"stats_failed,omitempty"`
}
