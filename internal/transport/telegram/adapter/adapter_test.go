package adapter

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewline(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	s := "abcdef" + `<a href="x">y</a>`
	got := splitTelegramText(s, 10, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk %q", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestSplitTelegramTextRunes(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("ї", 25)
	got := splitTelegramText(s, 10, "")
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("got %q", got)
	}
}

// sendErr wraps without formatting inner, whose Error needs telebot internals.
type sendErr struct{ inner error }

func (e sendErr) Error() string { return "send failed" }
func (e sendErr) Unwrap() error { return e.inner }

func TestMapErrorFlood(t *testing.T) {
	t.Parallel()
	wrapped := sendErr{inner: tele.FloodError{RetryAfter: 12}}
	d, ok := kit.RetryDelay(mapError(wrapped))
	if !ok || d != 12*time.Second {
		t.Fatalf("RetryDelay = %v, %v", d, ok)
	}

	plain := errors.New("chat not found")
	if got := mapError(plain); got != plain {
		t.Fatalf("plain error changed: %v", got)
	}
	if _, ok := kit.RetryDelay(mapError(plain)); ok {
		t.Fatal("plain error must not carry a delay")
	}
	if mapError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestUpdateMapping(t *testing.T) {
	t.Parallel()
	chat := &tele.Chat{ID: -10, Type: tele.ChatSuperGroup}
	m := &tele.Message{ID: 5, Chat: chat, Sender: &tele.User{ID: 1, FirstName: "A"}, Text: "/start"}
	up, ok := messageUpdate(m)
	if !ok || up.Kind != kit.UpdateMessage || up.Message.From.ID != 1 || up.Message.Private {
		t.Fatalf("message update = %+v", up)
	}

	pm := &tele.Message{ID: 6, Chat: &tele.Chat{ID: 1, Type: tele.ChatPrivate}, Sender: &tele.User{ID: 1}}
	if up, _ := messageUpdate(pm); !up.Message.Private {
		t.Fatal("private chat not detected")
	}

	cb := &tele.Callback{ID: "q", Sender: &tele.User{ID: 2, Username: "bob"}, Message: m, Data: "optin:join"}
	up, ok = callbackUpdate(cb)
	if !ok || up.Callback.ChatID != -10 || up.Callback.MessageID != 5 || up.Callback.From.Username != "bob" {
		t.Fatalf("callback update = %+v", up.Callback)
	}
	if _, ok := callbackUpdate(&tele.Callback{ID: "inline"}); ok {
		t.Fatal("callback without message must be skipped")
	}

	jm := &tele.Message{ID: 7, Chat: chat, UserJoined: &tele.User{ID: 3}, UsersJoined: []tele.User{{ID: 3}, {ID: 4, IsBot: true}}}
	up, ok = joinedUpdate(jm, 0)
	if !ok || len(up.Joined.Users) != 2 || !up.Joined.Users[1].IsBot {
		t.Fatalf("joined update = %+v", up.Joined)
	}
	single := &tele.Message{ID: 8, Chat: chat, UserJoined: &tele.User{ID: 5}}
	if up, _ := joinedUpdate(single, 0); len(up.Joined.Users) != 1 || up.Joined.Users[0].ID != 5 {
		t.Fatalf("single joined = %+v", up.Joined)
	}
	if _, ok := joinedUpdate(&tele.Message{ID: 9, Chat: chat, UserJoined: &tele.User{ID: 99}}, 99); ok {
		t.Fatal("the bot joining alone must not produce an update")
	}
}

func newOfflineAdapter(t *testing.T, out chan kit.Update) *Adapter {
	t.Helper()
	b, err := tele.NewBot(tele.Settings{Offline: true, Synchronous: true})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	a := &Adapter{log: logx.Nop(), bot: b}
	a.out.Store((chan<- kit.Update)(out))
	a.registerHandlers()
	return a
}

func decodeUpdate(t *testing.T, raw string) tele.Update {
	t.Helper()
	var u tele.Update
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	return u
}

func drain(out chan kit.Update) []kit.Update {
	var ups []kit.Update
	for {
		select {
		case up := <-out:
			ups = append(ups, up)
		default:
			return ups
		}
	}
}

func TestJoinedServiceMessagePromptsEveryMember(t *testing.T) {
	t.Parallel()
	out := make(chan kit.Update, 8)
	a := newOfflineAdapter(t, out)

	const raw = `{"update_id":1,"message":{"message_id":10,"date":1700000000,
		"chat":{"id":-5,"type":"supergroup"},"from":{"id":1,"first_name":"Admin"},
		"new_chat_member":{"id":3,"first_name":"C"},
		"new_chat_participant":{"id":3,"first_name":"C"},
		"new_chat_members":[{"id":3,"first_name":"C"},{"id":4,"first_name":"D"}]}}`
	a.bot.ProcessUpdate(decodeUpdate(t, raw))
	// Telegram redelivery of the same service message is ignored.
	a.bot.ProcessUpdate(decodeUpdate(t, raw))

	ups := drain(out)
	if len(ups) != 1 {
		t.Fatalf("want one update per service message, got %d", len(ups))
	}
	j := ups[0].Joined
	if ups[0].Kind != kit.UpdateMembersJoined || j.ChatID != -5 || j.MessageID != 10 {
		t.Fatalf("joined = %+v", j)
	}
	if len(j.Users) != 2 || j.Users[0].ID != 3 || j.Users[1].ID != 4 {
		t.Fatalf("users = %+v", j.Users)
	}
}

func TestJoinedListOnlyCollapsesPerMemberCalls(t *testing.T) {
	t.Parallel()
	out := make(chan kit.Update, 8)
	a := newOfflineAdapter(t, out)

	a.bot.ProcessUpdate(decodeUpdate(t, `{"update_id":2,"message":{"message_id":11,"date":1700000000,
		"chat":{"id":-5,"type":"supergroup"},
		"new_chat_members":[{"id":3},{"id":4},{"id":5}]}}`))

	ups := drain(out)
	if len(ups) != 1 || len(ups[0].Joined.Users) != 3 {
		t.Fatalf("updates = %+v", ups)
	}
}

func TestAddedWithOthersSkipsSelf(t *testing.T) {
	t.Parallel()
	out := make(chan kit.Update, 8)
	a := newOfflineAdapter(t, out)
	a.bot.Me = &tele.User{ID: 99, IsBot: true, Username: "mentionbot"}

	a.bot.ProcessUpdate(decodeUpdate(t, `{"update_id":3,"message":{"message_id":12,"date":1700000000,
		"chat":{"id":-6,"type":"group"},
		"new_chat_members":[{"id":99,"is_bot":true},{"id":7}]}}`))

	ups := drain(out)
	if len(ups) != 1 || len(ups[0].Joined.Users) != 1 || ups[0].Joined.Users[0].ID != 7 {
		t.Fatalf("updates = %+v", ups)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	got := menuCommands([]kit.BotCommand{
		{Command: "/start", Description: "prompt"},
		{Command: " "},
		{Command: "optout"},
	})
	if len(got) != 2 || got[0].Text != "start" || got[1].Description != "optout" {
		t.Fatalf("menuCommands = %+v", got)
	}
}
