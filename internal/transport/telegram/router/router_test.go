package router

import (
	"context"
	"sync"
	"testing"
	"time"

	kit "mentionbot/internal/transport"
	logx "mentionbot/pkg/logx"
)

type collector struct {
	mu  sync.Mutex
	got map[int64][]string
	all chan struct{}
}

func newCollector(n int) *collector {
	return &collector{got: map[int64][]string{}, all: make(chan struct{}, n)}
}

func (c *collector) handle(ctx context.Context, req *Request) error {
	c.mu.Lock()
	c.got[req.Chat.ChatID] = append(c.got[req.Chat.ChatID], req.Update.Message.Text)
	c.mu.Unlock()
	c.all <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.all:
		case <-timeout:
			t.Fatalf("timed out after %d of %d", i, n)
		}
	}
}

func startRouter(t *testing.T, r *Router) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 256)
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Run installs the shards asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		r.runMu.Lock()
		ready := len(r.shards) > 0
		r.runMu.Unlock()
		if ready || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return updates
}

func msg(chatID int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, Text: text, From: kit.User{ID: 1}}}
}

func TestPerChatOrdering(t *testing.T) {
	t.Parallel()
	c := newCollector(300)
	r := New(logx.Nop(), WithWorkers(4), WithQueue(512))
	r.SetRegistry([]Command{{Name: "echo", Handle: c.handle}}, nil, nil)
	updates := startRouter(t, r)

	chats := []int64{-1, -2, -3}
	for i := 0; i < 100; i++ {
		for _, chat := range chats {
			updates <- msg(chat, "/echo "+string(rune('a'+i%26))+string(rune('0'+i/26)))
		}
	}
	c.wait(t, 300)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range chats {
		got := c.got[chat]
		if len(got) != 100 {
			t.Fatalf("chat %d: %d messages", chat, len(got))
		}
		for i, text := range got {
			want := "/echo " + string(rune('a'+i%26)) + string(rune('0'+i/26))
			if text != want {
				t.Fatalf("chat %d position %d: got %q want %q", chat, i, text, want)
			}
		}
	}
}

func TestRoutingAliasesAndBotFilter(t *testing.T) {
	t.Parallel()
	c := newCollector(8)
	r := New(logx.Nop(), WithWorkers(1))
	r.SetBotUsername("@MentionBot")
	r.SetRegistry([]Command{{Name: "mention_all", Aliases: []string{"mention_all_password"}, Description: "mention", Handle: c.handle}}, nil, nil)
	updates := startRouter(t, r)

	updates <- msg(-1, "/mention_all_password")
	updates <- msg(-1, "/mention_all@otherbot")
	updates <- msg(-1, "/unknown")
	updates <- msg(-1, "plain text")
	updates <- msg(-1, "/MENTION_ALL@mentionbot")
	c.wait(t, 2)

	select {
	case <-c.all:
		t.Fatal("unexpected extra dispatch")
	case <-time.After(50 * time.Millisecond):
	}
	if menu := r.Menu(); len(menu) != 1 || menu[0].Command != "mention_all" {
		t.Fatalf("menu = %+v", menu)
	}
}

func TestCallbackAndJoinRouting(t *testing.T) {
	t.Parallel()
	got := make(chan *Request, 4)
	h := func(ctx context.Context, req *Request) error {
		got <- req
		return nil
	}
	r := New(logx.Nop(), WithWorkers(2))
	r.SetRegistry(nil, []CallbackRoute{{Plugin: "optin", Action: "join", Handle: h}}, h)
	updates := startRouter(t, r)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "x", ChatID: -5, Data: "optin:join:p"}}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "y", ChatID: -5, Data: "other:thing"}}
	updates <- kit.Update{Kind: kit.UpdateMembersJoined, Joined: &kit.MembersJoined{ChatID: -5, Users: []kit.User{{ID: 9}}}}

	first, second := <-got, <-got
	if first.Command != "cb:optin:join" || first.Payload != "p" {
		t.Fatalf("callback request = %+v", first)
	}
	if second.Command != "members_joined" || second.From.ID != 9 {
		t.Fatalf("join request = %+v", second)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	c := newCollector(2)
	r := New(logx.Nop(), WithWorkers(1))
	r.SetRegistry([]Command{
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("boom") }},
		{Name: "echo", Handle: c.handle},
	}, nil, nil)
	updates := startRouter(t, r)

	updates <- msg(-1, "/boom")
	updates <- msg(-1, "/echo after")
	c.wait(t, 1)
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text, bot, name string
		args            int
		ok              bool
	}{
		{text: "/start", name: "start", ok: true},
		{text: "  /optout now ", name: "optout", args: 1, ok: true},
		{text: `/x "a b" c`, name: "x", args: 2, ok: true},
		{text: "/start@me", bot: "me", name: "start", ok: true},
		{text: "/start@you", bot: "me", ok: false},
		{text: "/", ok: false},
		{text: "hi", ok: false},
	}
	for _, tt := range tests {
		name, args, ok := splitCommand(tt.text, tt.bot)
		if ok != tt.ok || name != tt.name || len(args) != tt.args {
			t.Fatalf("splitCommand(%q) = %q %v %v", tt.text, name, args, ok)
		}
	}
	if got := sanitizeTelegramCommand("Mention-All "); got != "mention_all" {
		t.Fatalf("sanitize = %q", got)
	}
}

func TestShardForIsStable(t *testing.T) {
	t.Parallel()
	for _, id := range []int64{-1001234567890, 0, 42} {
		a, b := shardFor(id, 7), shardFor(id, 7)
		if a != b || a < 0 || a >= 7 {
			t.Fatalf("shardFor(%d) = %d, %d", id, a, b)
		}
	}
}

// overlapGuard records the highest number of handlers running at once.
type overlapGuard struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	order   []string
}

func (g *overlapGuard) run(label string, d time.Duration) {
	g.mu.Lock()
	g.active++
	g.maxSeen = max(g.maxSeen, g.active)
	g.order = append(g.order, label)
	g.mu.Unlock()
	time.Sleep(d)
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
}

func TestSubmitSharesTheChatWorker(t *testing.T) {
	t.Parallel()
	g := &overlapGuard{}
	started := make(chan struct{}, 1)
	r := New(logx.Nop(), WithWorkers(4))
	r.SetRegistry([]Command{{Name: "slow", Handle: func(ctx context.Context, req *Request) error {
		started <- struct{}{}
		g.run("command", 50*time.Millisecond)
		return nil
	}}}, nil, nil)
	updates := startRouter(t, r)

	updates <- msg(-7, "/slow")
	<-started

	err := r.Submit(context.Background(), kit.ChatTarget{ChatID: -7}, "scheduled", func(ctx context.Context, req *Request) error {
		g.run("scheduled", 10*time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxSeen != 1 {
		t.Fatalf("handlers of one chat overlapped (max %d)", g.maxSeen)
	}
	if len(g.order) != 2 || g.order[0] != "command" || g.order[1] != "scheduled" {
		t.Fatalf("order = %v", g.order)
	}
}

func TestSubmitBeforeRun(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	err := r.Submit(context.Background(), kit.ChatTarget{ChatID: 1}, "scheduled", func(ctx context.Context, req *Request) error {
		return nil
	})
	if err != ErrNotRunning {
		t.Fatalf("Submit = %v, want ErrNotRunning", err)
	}
}
