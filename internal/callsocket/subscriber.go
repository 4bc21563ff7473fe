package callsocket

import (
	"errors"

	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/internal/realtime"
	"github.com/yegors/staffcall/pkg/logger"
)

// Subscriber opens one Socket per call session for the call controller
type Subscriber struct {
	wsBase string
	opts   Options
	logger *logger.Logger
}

// NewSubscriber creates a subscriber for the given WebSocket base URL
func NewSubscriber(wsBase string, opts Options, log *logger.Logger) *Subscriber {
	return &Subscriber{wsBase: wsBase, opts: opts, logger: log}
}

// Subscribe connects to the state channel of sessionID and forwards accepted
// updates to deliver until stop is called. fail is called when reconnect
// attempts are exhausted.
func (s *Subscriber) Subscribe(sessionID string, deliver func(calls.StatusUpdate), fail func(error)) (stop func()) {
	sock := New(s.wsBase, sessionID, s.opts, s.logger)
	sock.OnStateUpdate(func(state CallState, update StateUpdate) {
		su := calls.StatusUpdate{
			SessionID: sessionID,
			Status:    string(state),
			Source:    calls.SourceSocket,
			At:        update.Time(),
		}
		if update.Data != nil {
			su.Participants = update.Data.Participants
			su.Duration = update.Data.Duration
		}
		deliver(su)
	})
	sock.OnError(func(err error) {
		sock.logger.Warn("Call socket error", logger.Error(err))
		if errors.Is(err, realtime.ErrReconnectExhausted) && fail != nil {
			fail(err)
		}
	})

	if err := sock.Connect(); err != nil {
		sock.logger.Error("Failed to open call socket", logger.Error(err))
	}
	return sock.Disconnect
}
