package pairing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// poll is the login-status loop, started once a QR code is displayed. On each
// tick it asks the gateway whether the device logged in yet. A good response
// resets the consecutive-error counter even when the login is still pending;
// hitting the error threshold fails the attempt. The counter is scoped to one
// attempt: a fresh attempt always starts at zero.
func (o *Orchestrator) poll(ctx context.Context, gen int) {
	ticker := time.NewTicker(o.iv.PollInterval)
	defer ticker.Stop()

	errCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := o.gw.SessionStatus(ctx, o.token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCount++
			log.Warn().
				Err(err).
				Str("slug", o.slug).
				Int("consecutiveErrors", errCount).
				Int("threshold", o.iv.MaxPollErrors).
				Msg("Login-status poll failed")
			if errCount >= o.iv.MaxPollErrors {
				o.finish(gen, StatusError, "lost contact with the WhatsApp gateway while waiting for the scan")
				return
			}
			continue
		}

		errCount = 0
		if status.LoggedIn {
			o.completeConnected(gen, status.JID, status.Name)
			return
		}
	}
}
