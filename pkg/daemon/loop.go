package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
)

var (
	connectRetryInterval = 10 * time.Second
	connectTimeout       = 30 * time.Second
)

// connectLoop keeps trying the initial handshake until it succeeds or ctx
// is done. Later link losses are handled by the status poller.
func connectLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := connectOnce(ctx)
		if err == nil {
			return
		}
		logrus.WithError(err).WithField("attempt", attempt).
			Warnf("chamber not reachable, retrying in %s", connectRetryInterval)

		select {
		case <-ctx.Done():
			return
		case <-time.After(connectRetryInterval):
		}
	}
}

func connectOnce(ctx context.Context) error {
	if sess.Connected() {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := sess.Connect(cctx)
	if errors.Is(err, session.ErrAlreadyRunning) {
		return nil
	}
	return err
}
