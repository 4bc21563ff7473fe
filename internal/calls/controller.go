// Package calls owns the active service call: it initiates and ends call
// sessions against the backend, tracks their status from polling and the
// call-state socket, and counts call duration.
package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/staffcall/internal/backend"
	"github.com/yegors/staffcall/pkg/logger"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultDurationTick = time.Second

	ReasonCancelled = "cancelled"

	historyTimeout = 5 * time.Second
)

// CallAPI is the subset of the backend the controller needs
type CallAPI interface {
	InitiateCall(ctx context.Context, req backend.InitiateCallRequest) (*backend.InitiateCallResponse, error)
	EndCall(ctx context.Context, req backend.EndCallRequest) (*backend.EndCallResponse, error)
	GetCallStatus(ctx context.Context, callSessionID string) (*backend.CallStatusResponse, error)
}

// StateSubscriber opens a push channel of status updates for one session.
// fail is called once when the channel is lost for good. The returned stop
// func must be safe to call more than once.
type StateSubscriber interface {
	Subscribe(sessionID string, deliver func(StatusUpdate), fail func(error)) (stop func())
}

// History persists call lifecycle records
type History interface {
	RecordStart(ctx context.Context, session CallSession) error
	RecordEvent(ctx context.Context, sessionID string, source Source, status string, at time.Time) error
	RecordEnd(ctx context.Context, sessionID string, status SessionStatus, reason string, durationSeconds int, at time.Time) error
}

// Options configures a Controller
type Options struct {
	PollInterval time.Duration
	DurationTick time.Duration
	Subscriber   StateSubscriber
	History      History
}

type listener struct {
	id int
	fn func(Snapshot)
}

// Controller is the call session state machine. At most one session is active
// at a time; updates from polling, the state socket and local callers are
// applied through a single serialized path. Socket updates are ordered by the
// backend timestamps they carry, polls by the local time they were requested
// at, and local updates always win.
type Controller struct {
	api          CallAPI
	subscriber   StateSubscriber
	history      History
	pollInterval time.Duration
	durationTick time.Duration
	logger       *logger.Logger

	mu           sync.Mutex
	status       CallStatus
	session      *CallSession
	initiating   bool
	lastErr      error
	duration     int
	participants []byte
	appliedAt    time.Time // local clock, last applied update
	socketAt     time.Time // backend clock, last applied socket update
	version      uint64
	updatedAt    time.Time
	poll         *interval
	durationIv   *interval
	stopSocket   func()
	retired      []*interval

	listenersMu sync.RWMutex
	listeners   []listener
	nextID      int
}

// NewController creates a controller in the idle state
func NewController(api CallAPI, opts Options, log *logger.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DurationTick <= 0 {
		opts.DurationTick = DefaultDurationTick
	}
	return &Controller{
		api:          api,
		subscriber:   opts.Subscriber,
		history:      opts.History,
		pollInterval: opts.PollInterval,
		durationTick: opts.DurationTick,
		logger:       log.Named("call-controller"),
		status:       StatusIdle,
		updatedAt:    time.Now().UTC(),
	}
}

// Subscribe registers fn for every snapshot change and returns its unsubscribe func
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// InitiateCall creates a call session against a staff unit and starts tracking it
func (c *Controller) InitiateCall(ctx context.Context, req InitiateRequest) (*CallSession, error) {
	if req.StaffUnitID == "" {
		return nil, ErrStaffUnitRequired
	}

	c.mu.Lock()
	if c.session != nil || c.initiating {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	c.initiating = true
	c.lastErr = nil
	c.retired = pruneFinished(c.retired)
	c.mu.Unlock()

	c.logger.Info("Initiating call",
		logger.String("service_id", req.ServiceID),
		logger.String("service_name", req.ServiceName),
		logger.String("staff_unit_id", req.StaffUnitID))

	resp, err := c.api.InitiateCall(ctx, backend.InitiateCallRequest{
		StaffUnitID: req.StaffUnitID,
		ServiceType: req.ServiceID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		c.logger.Error("Failed to initiate call",
			logger.String("staff_unit_id", req.StaffUnitID),
			logger.Error(err))

		c.mu.Lock()
		c.initiating = false
		c.status = StatusIdle
		c.lastErr = err
		snap := c.bumpLocked()
		c.mu.Unlock()
		c.notify(snap)
		return nil, err
	}

	now := time.Now().UTC()
	serviceName := resp.ServiceName
	if serviceName == "" {
		serviceName = req.ServiceName
	}
	metadata := resp.Metadata
	if metadata == nil {
		metadata = req.Metadata
	}
	session := &CallSession{
		ID:          string(resp.CallSessionID),
		ServiceID:   req.ServiceID,
		ServiceName: serviceName,
		StaffUnitID: req.StaffUnitID,
		RoomName:    resp.RoomName,
		Status:      SessionPending,
		Token:       resp.Token,
		ServerURL:   resp.ServerURL,
		Metadata:    metadata,
		CreatedAt:   now,
	}
	c.recordStart(*session)

	c.mu.Lock()
	c.initiating = false
	c.session = session
	c.status = StatusConnecting
	c.duration = 0
	c.participants = nil
	c.appliedAt = now
	c.socketAt = time.Time{}
	c.poll = startInterval(c.pollInterval, func(pctx context.Context) {
		c.pollOnce(pctx, session.ID)
	})
	result := *session
	c.mu.Unlock()

	c.logger.Info("Call session started",
		logger.String("call_session_id", result.ID),
		logger.String("room_name", result.RoomName),
		logger.Duration("poll_interval", c.pollInterval))

	c.subscribeSocket(result.ID)

	c.mu.Lock()
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.notify(snap)
	return &result, nil
}

// EndCall ends the active session. With no active session it is a no-op.
func (c *Controller) EndCall(ctx context.Context, reason string) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}

	resp, err := c.api.EndCall(ctx, backend.EndCallRequest{CallSessionID: session.ID, Reason: reason})
	if err == nil && !resp.Success {
		err = fmt.Errorf("%w: %s", ErrEndRejected, resp.Message)
	}
	if err != nil {
		c.logger.Error("Failed to end call",
			logger.String("call_session_id", session.ID),
			logger.Error(err))
		c.mu.Lock()
		c.lastErr = err
		snap := c.bumpLocked()
		c.mu.Unlock()
		c.notify(snap)
		return err
	}

	c.mu.Lock()
	if c.session == nil || c.session.ID != session.ID {
		// a poll or socket update ended the session while the request was in flight
		c.mu.Unlock()
		c.logger.Debug("Call already ended", logger.String("call_session_id", session.ID))
		return nil
	}
	c.session = nil
	c.status = StatusEnded
	c.lastErr = nil
	c.appliedAt = time.Now().UTC()
	duration := c.duration
	release := c.drainLocked()
	snap := c.bumpLocked()
	c.mu.Unlock()

	release.wait()

	status := SessionCompleted
	if reason == ReasonCancelled {
		status = SessionCancelled
	}
	c.recordEnd(session.ID, status, reason, duration)

	c.logger.Info("Call ended",
		logger.String("call_session_id", session.ID),
		logger.String("reason", reason),
		logger.Int("duration_seconds", duration))

	c.notify(snap)
	return nil
}

// CancelCall ends the active session with the cancelled reason
func (c *Controller) CancelCall(ctx context.Context) error {
	return c.EndCall(ctx, ReasonCancelled)
}

// UpdateCallStatus applies a locally observed session status without calling the backend
func (c *Controller) UpdateCallStatus(next SessionStatus) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownStatus, next)
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNoActiveSession
	}

	return c.apply(StatusUpdate{
		SessionID: session.ID,
		Status:    string(next),
		Source:    SourceLocal,
		At:        time.Now().UTC(),
	})
}

// RetryCall puts a failed or stalled session back into ringing. It does not
// initiate a new session; polling and the state socket are resumed if they
// had stopped.
func (c *Controller) RetryCall() error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}

	c.status = StatusRinging
	c.lastErr = nil
	c.appliedAt = time.Now().UTC()
	if c.poll == nil {
		id := session.ID
		c.poll = startInterval(c.pollInterval, func(ctx context.Context) {
			c.pollOnce(ctx, id)
		})
	}
	resubscribe := c.subscriber != nil && c.stopSocket == nil
	c.mu.Unlock()

	c.logger.Info("Retrying call",
		logger.String("call_session_id", session.ID),
		logger.Bool("resubscribe", resubscribe))

	if resubscribe {
		c.subscribeSocket(session.ID)
	}

	c.mu.Lock()
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

// Submit applies a pushed status update, e.g. from the call-state socket.
// Dropped updates are logged at debug.
func (c *Controller) Submit(update StatusUpdate) {
	_ = c.apply(update)
}

// subscribeSocket attaches the state socket to sessionID. A subscription that
// races with the end of the session or with another subscription is stopped.
func (c *Controller) subscribeSocket(sessionID string) {
	if c.subscriber == nil {
		return
	}
	stop := c.subscriber.Subscribe(sessionID, c.Submit, func(err error) {
		c.socketLost(sessionID, err)
	})
	c.mu.Lock()
	if c.session != nil && c.session.ID == sessionID && c.stopSocket == nil {
		c.stopSocket = stop
		stop = nil
	}
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// socketLost surfaces a state socket that gave up reconnecting. Polling keeps
// tracking the call; RetryCall opens a new socket.
func (c *Controller) socketLost(sessionID string, err error) {
	c.mu.Lock()
	if c.session == nil || c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	stop := c.stopSocket
	c.stopSocket = nil
	c.lastErr = fmt.Errorf("%w: %v", ErrStateSocketLost, err)
	snap := c.bumpLocked()
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.logger.Warn("Call state socket lost, falling back to polling",
		logger.String("call_session_id", sessionID),
		logger.Error(err))
	c.notify(snap)
}

// Close releases all timers and subscriptions without contacting the backend
func (c *Controller) Close() {
	c.mu.Lock()
	release := c.drainLocked()
	c.mu.Unlock()
	release.wait()
}

func (c *Controller) pollOnce(ctx context.Context, sessionID string) {
	requested := time.Now().UTC()
	resp, err := c.api.GetCallStatus(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Call status poll failed, will retry next tick",
			logger.String("call_session_id", sessionID),
			logger.Error(err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	_ = c.apply(StatusUpdate{
		SessionID:    sessionID,
		Status:       resp.Status,
		Source:       SourcePoll,
		At:           requested,
		Participants: resp.Participants,
		Duration:     resp.Duration,
	})
}

// apply is the single entry point for status changes. It returns why an
// update was dropped.
func (c *Controller) apply(update StatusUpdate) error {
	t, ok := interpret(update.Status)
	if !ok {
		c.logger.Debug("Ignoring unknown call status",
			logger.String("status", update.Status),
			logger.String("source", string(update.Source)))
		return fmt.Errorf("%w: %s", ErrUnknownStatus, update.Status)
	}

	c.mu.Lock()
	session := c.session
	if session == nil || (update.SessionID != "" && update.SessionID != session.ID) {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.staleLocked(update) {
		c.mu.Unlock()
		c.logger.Debug("Dropping stale call status",
			logger.String("status", update.Status),
			logger.String("source", string(update.Source)),
			logger.Time("at", update.At))
		return ErrStaleUpdate
	}
	if c.status == StatusFailed && update.Source != SourceLocal {
		c.mu.Unlock()
		return ErrCallFailed
	}

	c.appliedAt = time.Now().UTC()
	if update.Source == SourceSocket && !update.At.IsZero() {
		c.socketAt = update.At
	}
	if len(update.Participants) > 0 {
		c.participants = append([]byte(nil), update.Participants...)
	}

	previous := c.status
	c.status = t.call
	if t.session != "" {
		session.Status = t.session
	}

	var release released
	switch t.outcome {
	case outcomeEnded:
		c.session = nil
		release = c.detachLocked()
	case outcomeFailed:
		c.lastErr = ErrCallFailed
		release = c.detachLocked()
	default:
		if t.startDuration && c.durationIv == nil {
			c.duration = 0
			c.durationIv = startInterval(c.durationTick, c.tick)
		}
	}
	duration := c.duration
	snap := c.bumpLocked()
	c.mu.Unlock()

	// Timers may be the caller here, so they are only cancelled.
	release.halt()

	if previous != t.call {
		c.logger.Info("Call status changed",
			logger.String("call_session_id", session.ID),
			logger.String("from", string(previous)),
			logger.String("to", string(t.call)),
			logger.String("source", string(update.Source)))
	}

	c.recordEvent(session.ID, update.Source, update.Status, update.At)
	if t.outcome == outcomeEnded {
		// ended by the backend or the UI, no caller-supplied reason
		c.recordEnd(session.ID, t.session, "", duration)
	}

	c.notify(snap)
	return nil
}

// staleLocked compares an update only against updates read from the same clock.
// Local updates are never stale.
func (c *Controller) staleLocked(update StatusUpdate) bool {
	if update.At.IsZero() {
		return false
	}
	switch update.Source {
	case SourceSocket:
		return update.At.Before(c.socketAt)
	case SourcePoll:
		// the request went out before a newer update was applied
		return update.At.Before(c.appliedAt)
	}
	return false
}

func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.duration++
	snap := c.bumpLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// released holds resources detached from the controller under its lock
type released struct {
	intervals []*interval
	socket    func()
}

func (r released) halt() {
	for _, iv := range r.intervals {
		iv.halt()
	}
	if r.socket != nil {
		r.socket()
	}
}

func (r released) wait() {
	for _, iv := range r.intervals {
		iv.stop()
	}
	if r.socket != nil {
		r.socket()
	}
}

// detachLocked takes ownership of every running timer and the socket
// subscription. Halted intervals stay tracked until a waiting release.
func (c *Controller) detachLocked() released {
	var r released
	if c.poll != nil {
		r.intervals = append(r.intervals, c.poll)
		c.retired = append(c.retired, c.poll)
		c.poll = nil
	}
	if c.durationIv != nil {
		r.intervals = append(r.intervals, c.durationIv)
		c.retired = append(c.retired, c.durationIv)
		c.durationIv = nil
	}
	r.socket = c.stopSocket
	c.stopSocket = nil
	return r
}

// drainLocked detaches everything and also hands over intervals halted
// earlier, so a waiting release joins every timer goroutine.
func (c *Controller) drainLocked() released {
	r := c.detachLocked()
	r.intervals = c.retired
	c.retired = nil
	return r
}

func (c *Controller) bumpLocked() Snapshot {
	c.version++
	c.updatedAt = time.Now().UTC()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:         c.version,
		Status:          c.status,
		DurationSeconds: c.duration,
		Polling:         c.poll != nil,
		DurationRunning: c.durationIv != nil,
		StateSocket:     c.stopSocket != nil,
		UpdatedAt:       c.updatedAt,
	}
	if c.session != nil {
		cp := *c.session
		snap.Session = &cp
	}
	if len(c.participants) > 0 {
		snap.Participants = append([]byte(nil), c.participants...)
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	return snap
}

func (c *Controller) notify(snap Snapshot) {
	c.listenersMu.RLock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, l := range c.listeners {
		fns = append(fns, l.fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) recordStart(session CallSession) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := c.history.RecordStart(ctx, session); err != nil {
		c.logger.Warn("Failed to record call start",
			logger.String("call_session_id", session.ID),
			logger.Error(err))
	}
}

func (c *Controller) recordEvent(sessionID string, source Source, status string, at time.Time) {
	if c.history == nil {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := c.history.RecordEvent(ctx, sessionID, source, status, at); err != nil {
		c.logger.Warn("Failed to record call event",
			logger.String("call_session_id", sessionID),
			logger.Error(err))
	}
}

func (c *Controller) recordEnd(sessionID string, status SessionStatus, reason string, duration int) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := c.history.RecordEnd(ctx, sessionID, status, reason, duration, time.Now().UTC()); err != nil {
		c.logger.Warn("Failed to record call end",
			logger.String("call_session_id", sessionID),
			logger.Error(err))
	}
}
