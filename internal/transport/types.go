package transport

import "context"

type UpdateKind string

const (
	UpdateMessage       UpdateKind = "message"
	UpdateCallback      UpdateKind = "callback"
	UpdateMembersJoined UpdateKind = "members_joined"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
	Joined   *MembersJoined
}

// ChatID returns the chat the update belongs to (0 if unknown).
func (u Update) ChatID() int64 {
	switch {
	case u.Message != nil:
		return u.Message.ChatID
	case u.Callback != nil:
		return u.Callback.ChatID
	case u.Joined != nil:
		return u.Joined.ChatID
	}
	return 0
}

// User is the subset of a platform user the bot cares about.
type User struct {
	ID        int64
	FirstName string
	Username  string
	IsBot     bool
}

// DisplayName is the name used in mentions: first name, then @username, then "".
func (u User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return ""
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
	From     User
	Text     string
	Private  bool
}

type Callback struct {
	ID        string
	From      User
	ChatID    int64
	ThreadID  int
	MessageID int
	Private   bool
	Data      string
}

// MembersJoined carries one "new chat members" service message.
type MembersJoined struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	Users     []User
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo is the message id to reply to (0 = plain message).
	ReplyTo            int
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	MemberCount(ctx context.Context, chatID int64) (int, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
