package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/protocol"
	"github.com/ent0n29/recall/internal/reliability"
	"github.com/ent0n29/recall/internal/session"
)

// ErrClosed is returned for messages that arrive after Close.
var ErrClosed = errors.New("conversation closed")

// Controller owns one session. All turn pipelines run under turnMu, one at a
// time, so the session state is only ever mutated by a single pipeline.
type Controller struct {
	svc      *Service
	log      zerolog.Logger
	outbound chan<- any

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	opened atomic.Bool

	turnMu sync.Mutex
	lastTS time.Time

	stateMu sync.RWMutex
	state   session.State

	bg sync.WaitGroup
}

// NewController allocates a session id and initial state. Nothing is sent
// or persisted until Open.
func (s *Service) NewController(userID string, prefs session.Preferences, outbound chan<- any) *Controller {
	if prefs.CommunicationStyle == "" {
		prefs.CommunicationStyle = session.StyleBalanced
	}
	sessionID := s.nextID()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		svc:      s,
		log:      s.log.With().Str("user_id", userID).Str("session_id", sessionID).Logger(),
		outbound: outbound,
		ctx:      ctx,
		cancel:   cancel,
		state:    session.NewState(userID, sessionID, prefs, s.now()),
	}
}

// State returns a copy of the current session state.
func (c *Controller) State() session.State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.Clone()
}

// Open prepares the store schema, registers the session and emits the
// connected acknowledgment.
func (c *Controller) Open(ctx context.Context) (protocol.Connected, error) {
	if c.closed.Load() {
		return protocol.Connected{}, ErrClosed
	}
	st := c.State()

	schemaCtx, cancel := context.WithTimeout(ctx, c.svc.opts.StoreTimeout)
	err := c.svc.deps.Store.EnsureSchema(schemaCtx)
	cancel()
	if err != nil {
		// Per-turn persistence reports store outages to the client.
		c.log.Warn().Err(err).Msg("ensure schema failed")
	}

	if c.svc.deps.Sessions != nil {
		c.svc.deps.Sessions.Register(st.UserID, st.SessionID, c.Close)
	}
	c.opened.Store(true)
	if m := c.svc.deps.Metrics; m != nil {
		m.ActiveSessions.Inc()
		m.SessionEvent("opened")
	}
	c.log.Info().Msg("session opened")

	ack := protocol.NewConnected(st.UserID, st.SessionID)
	if !c.send(ack) {
		return ack, errors.New("connected acknowledgment not delivered")
	}
	return ack, nil
}

// Run consumes inbound frames strictly in arrival order until inbound is
// closed, ctx ends, or the controller is closed.
func (c *Controller) Run(ctx context.Context, inbound <-chan []byte) error {
	for {
		if ctx.Err() != nil || c.closed.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := c.HandleIncoming(ctx, raw); errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

// HandleIncoming processes one client frame to completion. Concurrent
// callers are serialized; callers that need arrival order feed a single
// goroutine, as Run does.
func (c *Controller) HandleIncoming(ctx context.Context, raw []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := protocol.ParseClientMessage(raw)
	switch {
	case errors.Is(err, protocol.ErrUnsupportedType):
		c.svc.deps.Metrics.WSMessage("in", "unsupported")
		return nil
	case err != nil:
		c.fail(reliability.CallParse, err, "invalid message: "+err.Error())
		return nil
	}

	switch m := msg.(type) {
	case protocol.ChatMessage:
		c.svc.deps.Metrics.WSMessage("in", string(protocol.TypeChat))
		turnCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(c.ctx, cancel)
		c.runTurn(turnCtx, m.Content)
		stop()
		cancel()
	case protocol.PreferencesMessage:
		c.svc.deps.Metrics.WSMessage("in", string(protocol.TypePreferences))
		c.applyPreferences(m)
	}
	return nil
}

func (c *Controller) applyPreferences(m protocol.PreferencesMessage) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state.Preferences.AddTopics(m.Topics...)
	if strings.TrimSpace(m.CommunicationStyle) == "" {
		return
	}
	style, err := session.ParseCommunicationStyle(m.CommunicationStyle)
	if err != nil {
		c.log.Debug().Err(err).Msg("preferences style ignored")
		return
	}
	c.state.Preferences.CommunicationStyle = style
}

// Close marks the session inactive and cancels any in-flight generation. The
// interrupted turn still persists its assistant reply in the background of
// the running pipeline. Close is idempotent.
func (c *Controller) Close(reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	if !c.opened.Load() {
		return
	}

	st := c.State()
	if c.svc.deps.Sessions != nil {
		_, _ = c.svc.deps.Sessions.End(st.SessionID, reason)
	}
	if m := c.svc.deps.Metrics; m != nil {
		m.ActiveSessions.Dec()
		m.SessionEvent("closed")
	}
	c.log.Info().Str("reason", reason).Int("message_count", st.MessageCount).Msg("session closed")
}

// Wait blocks until the in-flight turn and background indexing finish.
func (c *Controller) Wait() {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	c.bg.Wait()
}

// send delivers msg unless the controller is closed. A client that stops
// reading for longer than the send timeout is treated as gone: the session is
// closed so the in-flight turn takes the cancellation path.
func (c *Controller) send(msg any) bool {
	if c.closed.Load() {
		return false
	}
	msgType, _ := protocol.TypeOf(msg)
	timer := time.NewTimer(c.svc.opts.SendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		c.svc.deps.Metrics.WSMessage("out", string(msgType))
		return true
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		c.svc.deps.Metrics.SessionEvent("outbound_drop")
		c.log.Warn().Str("type", string(msgType)).Dur("timeout", c.svc.opts.SendTimeout).Msg("outbound stalled")
		c.Close("outbound stalled")
		return false
	}
}

// fail applies the degradation rule for call: the failure is recorded, the
// client gets notice when the rule surfaces it, and the result reports
// whether the pipeline goes on.
func (c *Controller) fail(call reliability.Call, err error, notice string) bool {
	d := c.degrade(call, err)
	if d.Surface && notice != "" {
		c.send(protocol.NewError(notice))
	}
	return d.Action != reliability.ActionAbort
}

// degrade looks up the rule for call, logs at a level matching its kind and
// counts it. Callers act on the returned decision.
func (c *Controller) degrade(call reliability.Call, err error) reliability.Decision {
	d := c.svc.decide(call)
	err = reliability.Wrap(call, err)

	var ev *zerolog.Event
	switch d.Kind {
	case reliability.KindPersistence:
		ev = c.log.Error()
	case reliability.KindInput:
		ev = c.log.Debug()
	default:
		ev = c.log.Warn()
	}
	ev.Err(err).
		Str("call", string(call)).
		Str("kind", string(d.Kind)).
		Str("action", string(d.Action)).
		Msg("collaborator call degraded")
	c.svc.deps.Metrics.ObserveDegradation(string(call), string(d.Action))
	return d
}
