package app

import (
	"context"
	"time"

	"mentionbot/internal/mention"
	"mentionbot/internal/optin"
	kit "mentionbot/internal/transport"
	"mentionbot/internal/transport/telegram/router"
)

const (
	TriggerCommand  = "command"
	TriggerSchedule = "schedule"
)

// routes builds the routing table. A broadcast can run for minutes on a big
// roster, so it gets no handler timeout; it still stops with the app.
func routes(b *mention.Broadcaster, o *optin.Service) ([]router.Command, []router.CallbackRoute, router.HandlerFunc) {
	cmds := []router.Command{
		{
			Name:        "start",
			Description: "Показати кнопку для згадок",
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				msg := req.Update.Message
				return o.Prompt(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.ID)
			},
		},
		{
			Name:        "mention_all",
			Aliases:     []string{"mention_all_password"},
			Description: "Згадати всіх, хто натиснув кнопку",
			Handle: func(ctx context.Context, req *router.Request) error {
				msg := req.Update.Message
				_, err := b.Broadcast(ctx, mention.Request{
					Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
					Private: msg.Private,
					ReplyTo: msg.ID,
					Trigger: TriggerCommand,
				})
				return err
			},
		},
		{
			Name:        "mention_stats",
			Description: "Скільки учасників погодились на згадки",
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return o.Stats(ctx, req.Update.Message)
			},
		},
		{
			Name:        "optout",
			Description: "Більше не згадувати мене",
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return o.OptOut(ctx, req.Update.Message)
			},
		},
	}
	cbs := []router.CallbackRoute{{
		Plugin:  optin.Plugin,
		Action:  optin.ActionJoin,
		Timeout: 15 * time.Second,
		Handle: func(ctx context.Context, req *router.Request) error {
			return o.Press(ctx, req.Update.Callback)
		},
	}}
	onJoin := func(ctx context.Context, req *router.Request) error {
		return o.MembersJoined(ctx, req.Update.Joined)
	}
	return cmds, cbs, onJoin
}
