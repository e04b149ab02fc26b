package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ent0n29/recall/internal/brain"
	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/prompt"
	"github.com/ent0n29/recall/internal/protocol"
	"github.com/ent0n29/recall/internal/reliability"
	"github.com/ent0n29/recall/internal/session"
)

const (
	persistRetryBase = 100 * time.Millisecond
	persistRetryCap  = time.Second
	// degradedSeparator joins partial output and the degraded message.
	degradedSeparator = "\n\n"
)

var errEmptyGeneration = errors.New("generator returned no text")

// runTurn executes one chat pipeline. The caller holds turnMu.
func (c *Controller) runTurn(ctx context.Context, content string) {
	started := c.svc.now()
	st := c.State()
	metrics := c.svc.deps.Metrics
	c.markBusy(st.SessionID, true)
	defer c.markBusy(st.SessionID, false)

	userTurn := c.newTurn(st, conversation.RoleUser, content)
	if err := c.persist(ctx, userTurn, observability.StageUserPersist); err != nil {
		if !c.fail(reliability.CallUserPersist, err, "your message could not be saved, please try again") {
			return
		}
	}

	memories, ok := c.retrieve(ctx, st, content)
	if !ok {
		return
	}
	history, ok := c.history(ctx, st, userTurn)
	if !ok {
		return
	}

	messages := prompt.Build(prompt.Input{
		Preamble:    c.svc.opts.Preamble,
		Preferences: st.Preferences,
		Memories:    memories,
		History:     history,
		Current:     userTurn,
	})
	reply, ok := c.generate(ctx, brain.MessageRequest{
		UserID:    st.UserID,
		SessionID: st.SessionID,
		TurnID:    userTurn.ID,
		Messages:  messages,
	}, started)
	if !ok {
		return
	}

	assistantTurn := c.newTurn(st, conversation.RoleAssistant, reply)
	if !c.persistAssistant(ctx, assistantTurn) {
		return
	}

	if c.svc.opts.IndexUserTurns {
		c.indexAsync(userTurn, assistantTurn)
	} else {
		c.indexAsync(assistantTurn)
	}

	c.stateMu.Lock()
	count := c.state.CompleteExchange(c.svc.now())
	c.stateMu.Unlock()
	if c.svc.deps.Sessions != nil {
		_ = c.svc.deps.Sessions.Touch(st.SessionID, count)
	}
	metrics.ObserveStage(observability.StageTurnTotal, c.svc.now().Sub(started))
	c.send(protocol.NewComplete(count))
}

// markBusy keeps the idle janitor away from a session while its turn runs.
func (c *Controller) markBusy(sessionID string, busy bool) {
	if c.svc.deps.Sessions != nil {
		_ = c.svc.deps.Sessions.SetBusy(sessionID, busy)
	}
}

// newTurn stamps a turn with a timestamp strictly after the previous one in
// this session, at the microsecond resolution the stores keep.
func (c *Controller) newTurn(st session.State, role conversation.Role, content string) conversation.Turn {
	ts := c.svc.now().UTC().Truncate(time.Microsecond)
	if !ts.After(c.lastTS) {
		ts = c.lastTS.Add(time.Microsecond)
	}
	c.lastTS = ts
	return conversation.Turn{
		ID:        c.svc.nextID(),
		UserID:    st.UserID,
		SessionID: st.SessionID,
		Role:      role,
		Content:   content,
		CreatedAt: ts,
	}
}

func (c *Controller) persist(ctx context.Context, turn conversation.Turn, stage string) error {
	started := time.Now()
	storeCtx, cancel := context.WithTimeout(ctx, c.svc.opts.StoreTimeout)
	defer cancel()
	err := c.svc.deps.Store.Append(storeCtx, turn)
	c.svc.deps.Metrics.ObserveStage(stage, time.Since(started))
	return err
}

// persistAssistant writes the reply even if the connection is gone, retrying
// as the degradation table allows.
func (c *Controller) persistAssistant(ctx context.Context, turn conversation.Turn) bool {
	detached := context.WithoutCancel(ctx)
	retries := c.svc.decide(reliability.CallAssistantPersist).Retries
	err := reliability.Retry(detached, retries, persistRetryBase, persistRetryCap, func(ctx context.Context) error {
		return c.persist(ctx, turn, observability.StageAssistantPersist)
	})
	if err == nil {
		return true
	}
	c.svc.deps.Metrics.SessionEvent("assistant_persist_failed")
	return c.fail(reliability.CallAssistantPersist, err, "your reply could not be saved")
}

func (c *Controller) retrieve(ctx context.Context, st session.State, text string) ([]memory.Match, bool) {
	if c.svc.deps.Retriever == nil {
		return nil, true
	}
	started := time.Now()
	retrieveCtx, cancel := context.WithTimeout(ctx, c.svc.opts.RetrievalTimeout)
	defer cancel()

	matches, err := c.svc.deps.Retriever.Retrieve(retrieveCtx, st.UserID, text, c.svc.opts.MemoryTopK)
	c.svc.deps.Metrics.ObserveStage(observability.StageMemoryRetrieve, time.Since(started))
	if err != nil {
		return nil, c.fail(reliability.CallMemoryRetrieve, err, "memories are unavailable right now")
	}
	if len(matches) > c.svc.opts.MemoryTopK {
		matches = matches[:c.svc.opts.MemoryTopK]
	}
	return matches, true
}

// history returns up to HistoryLimit prior turns oldest first, excluding
// the current turn.
func (c *Controller) history(ctx context.Context, st session.State, current conversation.Turn) ([]conversation.Turn, bool) {
	started := time.Now()
	limit := c.svc.opts.HistoryLimit
	storeCtx, cancel := context.WithTimeout(ctx, c.svc.opts.StoreTimeout)
	defer cancel()

	recent, err := c.svc.deps.Store.QueryRecent(storeCtx, st.UserID, st.SessionID, limit+1)
	c.svc.deps.Metrics.ObserveStage(observability.StageHistoryRead, time.Since(started))
	if err != nil {
		return nil, c.fail(reliability.CallHistoryRead, err, "conversation history is unavailable right now")
	}

	prior := make([]conversation.Turn, 0, len(recent))
	for _, t := range recent {
		if t.ID == current.ID {
			continue
		}
		prior = append(prior, t)
	}
	if len(prior) > limit {
		prior = prior[:limit]
	}
	return conversation.Chronological(prior), true
}

// generate streams the reply to the client and returns exactly the text the
// assistant turn must record: only chunks the client accepted count. On a
// substitute rule the degraded message is streamed as the final chunk. If the
// session closed mid-stream nothing more is sent and the delivered text, or
// the degraded message, is returned. false means the turn aborts.
func (c *Controller) generate(ctx context.Context, req brain.MessageRequest, turnStarted time.Time) (string, bool) {
	started := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, c.svc.opts.GenerationTimeout)
	defer cancel()

	var delivered strings.Builder
	firstSeen := false
	resp, err := c.svc.deps.Generator.StreamResponse(genCtx, req, func(delta string) error {
		if delta == "" {
			return nil
		}
		if !firstSeen {
			firstSeen = true
			c.svc.deps.Metrics.ObserveFirstToken(c.svc.now().Sub(turnStarted))
		}
		if !c.send(protocol.NewStream(delta)) {
			return ErrClosed
		}
		delivered.WriteString(delta)
		return nil
	})
	c.svc.deps.Metrics.ObserveStage(observability.StageGenerate, time.Since(started))

	text := delivered.String()
	if err == nil && text == "" && resp.Text != "" {
		// Backend answered without streaming.
		if c.send(protocol.NewStream(resp.Text)) {
			text = resp.Text
		} else {
			err = ErrClosed
		}
	}
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyGeneration
	}
	if err == nil {
		return text, true
	}

	gone := ctx.Err() != nil || c.closed.Load()
	if gone {
		err = errors.Join(err, context.Cause(ctx))
	}
	d := c.degrade(reliability.CallGenerate, err)
	switch {
	case d.Action == reliability.ActionAbort:
		if d.Surface && !gone {
			c.send(protocol.NewError("the reply could not be generated, please try again"))
		}
		return "", false
	case gone:
		return c.recordAfterClose(text), true
	case d.Action != reliability.ActionSubstitute || !d.Surface:
		return text, strings.TrimSpace(text) != ""
	}

	degraded := c.svc.opts.DegradedMessage
	chunk := degraded
	if text != "" {
		chunk = degradedSeparator + degraded
	}
	if !c.send(protocol.NewStream(chunk)) {
		return c.recordAfterClose(text), true
	}
	return text + chunk, true
}

// recordAfterClose is what the assistant turn keeps when the client can no
// longer be told anything: the delivered text, or the degraded message.
func (c *Controller) recordAfterClose(delivered string) string {
	if strings.TrimSpace(delivered) != "" {
		return delivered
	}
	return c.svc.opts.DegradedMessage
}

// indexAsync embeds and upserts turns without holding up the pipeline.
func (c *Controller) indexAsync(turns ...conversation.Turn) {
	if c.svc.deps.Indexer == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		for _, t := range turns {
			if strings.TrimSpace(t.Content) == "" {
				continue
			}
			started := time.Now()
			ctx, cancel := context.WithTimeout(context.Background(), c.svc.opts.IndexTimeout)
			err := c.svc.deps.Indexer.Index(ctx, t)
			cancel()
			c.svc.deps.Metrics.ObserveStage(observability.StageMemoryIndex, time.Since(started))
			if err != nil {
				c.degrade(reliability.CallMemoryIndex, err)
			}
		}
	}()
}
