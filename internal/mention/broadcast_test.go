package mention

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mentionbot/internal/eventbus"
	"mentionbot/internal/ledger"
	kit "mentionbot/internal/transport"
	"mentionbot/internal/transport/transporttest"
)

type fakeRoster map[int64][]ledger.Entry

func (f fakeRoster) List(chatID int64) []ledger.Entry { return f[chatID] }

type sleepRecorder struct {
	mu     sync.Mutex
	slept  []time.Duration
	failAt int // 1-based call that returns context.Canceled; 0 never
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	if s.failAt > 0 && len(s.slept) == s.failAt {
		return context.Canceled
	}
	return nil
}

func g1Roster() fakeRoster {
	return fakeRoster{-500: {
		{UserID: 10, Name: "Anna"},
		{UserID: 11, Name: "Bob"},
		{UserID: 12, Name: "Cy"},
		{UserID: 13, Name: "Di"},
		{UserID: 14, Name: "Eve"},
		{UserID: 15, Name: "Fin"},
	}}
}

func newTestBroadcaster(rec *transporttest.Recorder, roster Roster, cfg Config, s *sleepRecorder, opts ...Option) *Broadcaster {
	return New(rec, roster, cfg, append([]Option{WithSleep(s.sleep)}, opts...)...)
}

func TestBroadcastBatchesInOrderWithPace(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	s := &sleepRecorder{}
	b := newTestBroadcaster(rec, g1Roster(), Config{}, s)

	rep, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}, ReplyTo: 77})
	require.NoError(t, err)

	texts := rec.Texts()
	require.Len(t, texts, 2)
	require.Equal(t, "Увага: "+
		`<a href="tg://user?id=10">Anna</a>, <a href="tg://user?id=11">Bob</a>, `+
		`<a href="tg://user?id=12">Cy</a>, <a href="tg://user?id=13">Di</a>, `+
		`<a href="tg://user?id=14">Eve</a>`, texts[0])
	require.Equal(t, `Увага: <a href="tg://user?id=15">Fin</a>`, texts[1])
	require.Equal(t, []time.Duration{DefaultPace}, s.slept)

	for _, sent := range rec.Sent() {
		require.Equal(t, "HTML", sent.Opt.ParseMode)
		require.Equal(t, 77, sent.Opt.ReplyTo)
	}
	require.Equal(t, 2, rep.Batches)
	require.Equal(t, 2, rep.Sent)
	require.Equal(t, 6, rep.Mentioned)
	require.NotEmpty(t, rep.RunID)
}

func TestBroadcastBatchCount(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 5, 10, 11} {
		roster := fakeRoster{}
		for i := 0; i < n; i++ {
			roster[-600] = append(roster[-600], ledger.Entry{UserID: int64(100 + i), Name: "u"})
		}
		rec := transporttest.New()
		s := &sleepRecorder{}
		rep, err := newTestBroadcaster(rec, roster, Config{}, s).
			Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -600}})
		require.NoError(t, err)

		want := (n + DefaultBatchSize - 1) / DefaultBatchSize
		texts := rec.Texts()
		require.Len(t, texts, want, "n=%d", n)
		require.Len(t, s.slept, want-1, "n=%d", n)
		require.Equal(t, want, rep.Batches)
		require.Equal(t, n, rep.Mentioned)

		total := 0
		for _, text := range texts {
			tokens := strings.Count(text, "tg://user?id=")
			require.LessOrEqual(t, tokens, DefaultBatchSize, "n=%d", n)
			require.Positive(t, tokens, "n=%d", n)
			total += tokens
		}
		require.Equal(t, n, total)
	}
}

func TestBroadcastPrivateChatRejected(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	b := newTestBroadcaster(rec, g1Roster(), Config{}, &sleepRecorder{})

	rep, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}, Private: true})
	require.NoError(t, err)
	require.True(t, rep.Rejected)
	require.Equal(t, []string{"Ця команда працює лише в групах."}, rec.Texts())
}

func TestBroadcastEmptyRoster(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	b := newTestBroadcaster(rec, fakeRoster{}, Config{}, &sleepRecorder{})

	rep, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -9}})
	require.NoError(t, err)
	require.True(t, rep.Empty)
	require.Equal(t, []string{"Жоден користувач ще не взаємодіяв із ботом."}, rec.Texts())
}

func TestBroadcastResendsOnceAfterServerDelay(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	rec.SendErrs = []error{kit.RetryAfter(errors.New("flood"), 7*time.Second)}
	s := &sleepRecorder{}
	b := newTestBroadcaster(rec, g1Roster(), Config{}, s)

	rep, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}})
	require.NoError(t, err)
	require.Equal(t, 3, rec.Calls())
	require.Len(t, rec.Texts(), 2)
	require.True(t, strings.Contains(rec.Texts()[0], "Anna"))
	require.Equal(t, []time.Duration{7 * time.Second}, s.slept)
	require.Equal(t, 2, rep.Sent)
	require.Zero(t, rep.Failed)
}

func TestBroadcastFailedResendContinues(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	flood := kit.RetryAfter(errors.New("flood"), 3*time.Second)
	rec.SendErrs = []error{flood, flood}
	s := &sleepRecorder{}
	b := newTestBroadcaster(rec, g1Roster(), Config{OnRetryFailure: RetryContinue}, s)

	rep, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}})
	require.NoError(t, err)
	require.Equal(t, 3, rec.Calls())
	require.Equal(t, []string{`Увага: <a href="tg://user?id=15">Fin</a>`}, rec.Texts())
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, 1, rep.Mentioned)
}

func TestBroadcastFailedResendAborts(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	flood := kit.RetryAfter(errors.New("flood"), time.Second)
	rec.SendErrs = []error{flood, flood}
	b := newTestBroadcaster(rec, g1Roster(), Config{OnRetryFailure: RetryAbort}, &sleepRecorder{})

	rep, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}})
	require.ErrorIs(t, err, ErrRetryExhausted)
	require.Equal(t, 2, rec.Calls())
	require.Empty(t, rec.Texts())
	require.Equal(t, 1, rep.Failed)
}

func TestBroadcastOtherErrorStops(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	boom := errors.New("bad request")
	rec.SendErrs = []error{boom}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	b := newTestBroadcaster(rec, g1Roster(), Config{}, &sleepRecorder{}, WithBus(bus))

	_, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}, Trigger: "command"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, rec.Calls())

	ev := <-events
	require.Equal(t, eventbus.TypeBroadcastFinished, ev.Type)
	fin := ev.Data.(eventbus.BroadcastFinished)
	require.Equal(t, "command", fin.Trigger)
	require.NotEmpty(t, fin.Err)
}

func TestBroadcastStopsWhenPaceCancelled(t *testing.T) {
	t.Parallel()
	rec := transporttest.New()
	b := newTestBroadcaster(rec, g1Roster(), Config{}, &sleepRecorder{failAt: 1})

	_, err := b.Broadcast(context.Background(), Request{Chat: kit.ChatTarget{ChatID: -500}})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, rec.Texts(), 1)
}

func TestBatchesAndEscaping(t *testing.T) {
	t.Parallel()
	toks := Tokens([]ledger.Entry{{UserID: 1, Name: "<a>"}, {UserID: 2, Name: "b"}, {UserID: 3, Name: "c"}})
	require.Equal(t, `<a href="tg://user?id=1">&lt;a&gt;</a>`, toks[0].String())

	got := Batches(toks, 2)
	require.Len(t, got, 2)
	require.Len(t, got[0], 2)
	require.Len(t, got[1], 1)
	require.Nil(t, Batches(nil, 5))
}

func TestParseRetryPolicy(t *testing.T) {
	t.Parallel()
	p, err := ParseRetryPolicy("")
	require.NoError(t, err)
	require.Equal(t, RetryContinue, p)
	p, err = ParseRetryPolicy(" Abort ")
	require.NoError(t, err)
	require.Equal(t, RetryAbort, p)
	_, err = ParseRetryPolicy("explode")
	require.Error(t, err)
}
