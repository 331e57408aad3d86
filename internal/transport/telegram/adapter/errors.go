package adapter

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "mentionbot/internal/transport"
)

// mapError turns telebot's flood-control error into kit.RetryAfter so callers
// can honor the server delay without importing telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return kit.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var pfe *tele.FloodError
	if errors.As(err, &pfe) && pfe != nil {
		return kit.RetryAfter(err, time.Duration(pfe.RetryAfter)*time.Second)
	}
	return err
}
