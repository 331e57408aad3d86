package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "mentionbot/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    Kind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "0 9 * * 1-5", kind: KindCron, cron: "0 9 * * 1-5"},
		{in: "@daily", kind: KindCron, cron: "@daily"},
		{in: "cron:*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:00:50", kind: KindInterval, every: 50 * time.Minute},
		{in: "interval: 2h", kind: KindInterval, every: 2 * time.Hour},
		{in: "", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSpec(%q): expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSpec(%q) = %+v", tt.in, got)
		}
	}
	if s := (Spec{Kind: KindInterval, Every: time.Hour}).CronSpec(); s != "@every 1h0m0s" {
		t.Fatalf("CronSpec = %q", s)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	s := New(func(context.Context, Job) error { return nil }, logx.Nop(), time.UTC)

	if err := s.Validate([]Job{{ChatID: -1, Spec: "0 9 * * *"}, {ChatID: -2, Spec: "1h"}}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := [][]Job{
		{{Spec: "1h"}},
		{{ChatID: -1, Spec: "61 * * * *"}},
		{{ChatID: -1, Spec: "1h", Name: "x"}, {ChatID: -2, Spec: "2h", Name: "x"}},
	}
	for i, jobs := range bad {
		if err := s.Validate(jobs); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if err := s.Apply(bad[0]); err == nil {
		t.Fatal("Apply must reject invalid jobs")
	}
}

func TestApplyReplacesEntries(t *testing.T) {
	t.Parallel()
	s := New(func(context.Context, Job) error { return nil }, logx.Nop(), time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Apply([]Job{{ChatID: -1, Spec: "0 9 * * *"}, {Name: "weekly", ChatID: -2, Spec: "@weekly"}}); err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)
	defer s.Stop(context.Background())
	if got := len(s.c.Entries()); got != 2 {
		t.Fatalf("entries = %d", got)
	}

	if err := s.Apply([]Job{{ChatID: -3, Spec: "30m"}}); err != nil {
		t.Fatal(err)
	}
	if got := len(s.c.Entries()); got != 1 {
		t.Fatalf("entries after reload = %d", got)
	}
	if names := s.Names(); len(names) != 1 || names[0] != "chat:-3@30m" {
		t.Fatalf("names = %v", names)
	}
}

func TestFireSkipsOverlappingRun(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := New(func(ctx context.Context, j Job) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, logx.Nop(), time.UTC)
	s.ctx = context.Background()

	e := &entry{job: Job{ChatID: -1, Spec: "1h"}}
	done := make(chan struct{})
	go func() { s.fire(e); close(done) }()
	<-started

	s.fire(e)
	close(release)
	<-done

	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}
