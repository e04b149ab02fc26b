// Package controller drives one conversation session per connection: it
// persists turns, pulls memories and history into the prompt, relays the
// generated reply, and keeps the session counters consistent when
// collaborators fail.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/brain"
	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/reliability"
	"github.com/ent0n29/recall/internal/session"
)

// Retriever returns the memories most relevant to text, best first.
type Retriever interface {
	Retrieve(ctx context.Context, userID, text string, k int) ([]memory.Match, error)
}

// Indexer turns a stored turn into a searchable memory.
type Indexer interface {
	Index(ctx context.Context, turn conversation.Turn) error
}

// Deps are the collaborators shared by every controller of a deployment.
// Retriever, Indexer, Sessions and Metrics are optional.
type Deps struct {
	Store     conversation.Store
	Retriever Retriever
	Indexer   Indexer
	Generator brain.Adapter
	Sessions  *session.Manager
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

type Options struct {
	Preamble          string
	DegradedMessage   string
	HistoryLimit      int
	MemoryTopK        int
	IndexUserTurns    bool
	StoreTimeout      time.Duration
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	IndexTimeout      time.Duration
	SendTimeout       time.Duration
}

const defaultDegradedMessage = "I'm having trouble responding right now. Please try again in a moment."

func (o Options) withDefaults() Options {
	if o.DegradedMessage == "" {
		o.DegradedMessage = defaultDegradedMessage
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.MemoryTopK <= 0 {
		o.MemoryTopK = 5
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.RetrievalTimeout <= 0 {
		o.RetrievalTimeout = 2 * time.Second
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 90 * time.Second
	}
	if o.IndexTimeout <= 0 {
		o.IndexTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	return o
}

// Service builds controllers over a fixed set of collaborators.
type Service struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	now    func() time.Time
	nextID func() string
	decide func(reliability.Call) reliability.Decision

	conns sync.WaitGroup
}

func NewService(deps Deps, opts Options) *Service {
	return &Service{
		deps:   deps,
		opts:   opts.withDefaults(),
		log:    deps.Logger.With().Str("component", "controller").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		nextID: newID,
		decide: reliability.Decide,
	}
}

// newID returns a time-ordered UUID so ids sort by creation.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RunConnection opens a controller for userID, feeds it inbound frames in
// arrival order until inbound closes or ctx ends, and closes it.
func (s *Service) RunConnection(
	ctx context.Context,
	userID string,
	prefs session.Preferences,
	inbound <-chan []byte,
	outbound chan<- any,
) error {
	s.conns.Add(1)
	defer s.conns.Done()

	c := s.NewController(userID, prefs, outbound)
	defer func() {
		c.Close("connection closed")
		c.Wait()
	}()
	if _, err := c.Open(ctx); err != nil {
		return err
	}
	return c.Run(ctx, inbound)
}

// Drain waits until every RunConnection has returned, including background
// indexing, or ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
