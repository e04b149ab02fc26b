package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/recall/internal/brain"
	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/protocol"
	"github.com/ent0n29/recall/internal/session"
)

const testDegraded = "degraded: try again"

// flakyStore wraps the in-memory store with injectable failures.
type flakyStore struct {
	*conversation.InMemoryStore

	mu          sync.Mutex
	appendErr   func(turn conversation.Turn, attempt int) error
	queryErr    error
	attempts    map[string]int
	schemaCalls int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: conversation.NewInMemoryStore(), attempts: make(map[string]int)}
}

func (s *flakyStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	s.schemaCalls++
	s.mu.Unlock()
	return s.InMemoryStore.EnsureSchema(ctx)
}

func (s *flakyStore) Append(ctx context.Context, turn conversation.Turn) error {
	s.mu.Lock()
	s.attempts[turn.ID]++
	attempt := s.attempts[turn.ID]
	hook := s.appendErr
	s.mu.Unlock()
	if hook != nil {
		if err := hook(turn, attempt); err != nil {
			return err
		}
	}
	return s.InMemoryStore.Append(ctx, turn)
}

func (s *flakyStore) QueryRecent(ctx context.Context, userID, sessionID string, limit int) ([]conversation.Turn, error) {
	s.mu.Lock()
	err := s.queryErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.InMemoryStore.QueryRecent(ctx, userID, sessionID, limit)
}

func (s *flakyStore) setAppendErr(fn func(conversation.Turn, int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = fn
}

func (s *flakyStore) setQueryErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// all returns every stored turn of the session, oldest first.
func (s *flakyStore) all(t *testing.T, st session.State) []conversation.Turn {
	t.Helper()
	turns, err := s.InMemoryStore.QueryRecent(context.Background(), st.UserID, st.SessionID, 0)
	require.NoError(t, err)
	return conversation.Chronological(turns)
}

type staticRetriever struct {
	mu      sync.Mutex
	matches []memory.Match
	err     error
	calls   int
}

func (r *staticRetriever) Retrieve(context.Context, string, string, int) ([]memory.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.matches, nil
}

func (r *staticRetriever) set(matches []memory.Match, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches, r.err = matches, err
}

type recordingIndexer struct {
	mu    sync.Mutex
	turns []conversation.Turn
	err   error
}

func (x *recordingIndexer) Index(_ context.Context, turn conversation.Turn) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.turns = append(x.turns, turn)
	return x.err
}

func (x *recordingIndexer) indexed() []conversation.Turn {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]conversation.Turn(nil), x.turns...)
}

// scriptedGenerator streams deltas then returns err. It records requests
// and the peak number of concurrent calls.
type scriptedGenerator struct {
	mu       sync.Mutex
	deltas   []string
	err      error
	requests []brain.MessageRequest
	delay    time.Duration

	active atomic.Int32
	peak   atomic.Int32
}

func (g *scriptedGenerator) StreamResponse(ctx context.Context, req brain.MessageRequest, onDelta brain.DeltaHandler) (brain.MessageResponse, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	g.mu.Lock()
	g.requests = append(g.requests, req)
	deltas := append([]string(nil), g.deltas...)
	err := g.err
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	var text string
	for _, d := range deltas {
		if err := onDelta(d); err != nil {
			return brain.MessageResponse{Text: text}, err
		}
		text += d
	}
	return brain.MessageResponse{Text: text}, err
}

func (g *scriptedGenerator) Generate(ctx context.Context, req brain.MessageRequest) (brain.MessageResponse, error) {
	return g.StreamResponse(ctx, req, func(string) error { return nil })
}

func (g *scriptedGenerator) set(deltas []string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deltas, g.err = deltas, err
}

func (g *scriptedGenerator) lastRequest() brain.MessageRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// stallingGenerator emits one delta, signals started, then blocks until
// its context ends.
type stallingGenerator struct {
	first   string
	started chan struct{}
}

func (g *stallingGenerator) StreamResponse(ctx context.Context, _ brain.MessageRequest, onDelta brain.DeltaHandler) (brain.MessageResponse, error) {
	if g.first != "" {
		_ = onDelta(g.first)
	}
	close(g.started)
	<-ctx.Done()
	return brain.MessageResponse{Text: g.first}, ctx.Err()
}

func (g *stallingGenerator) Generate(ctx context.Context, _ brain.MessageRequest) (brain.MessageResponse, error) {
	<-ctx.Done()
	return brain.MessageResponse{}, ctx.Err()
}

var errStoreDown = errors.New("store unavailable")

type harness struct {
	store    *flakyStore
	gen      *scriptedGenerator
	ret      *staticRetriever
	idx      *recordingIndexer
	sessions *session.Manager
	svc      *Service
	out      chan any
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{
		store:    newFlakyStore(),
		gen:      &scriptedGenerator{deltas: []string{"Hello", " there"}},
		ret:      &staticRetriever{},
		idx:      &recordingIndexer{},
		sessions: session.NewManager(time.Minute),
		out:      make(chan any, 256),
	}
	deps := Deps{
		Store:     h.store,
		Retriever: h.ret,
		Indexer:   h.idx,
		Generator: h.gen,
		Sessions:  h.sessions,
		Logger:    zerolog.Nop(),
	}
	opts := Options{
		Preamble:        "test preamble",
		DegradedMessage: testDegraded,
		SendTimeout:     time.Second,
	}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.svc = NewService(deps, opts)
	return h
}

func (h *harness) open(t *testing.T, userID string) *Controller {
	t.Helper()
	c := h.svc.NewController(userID, session.DefaultPreferences(), h.out)
	_, err := c.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close("test done")
		c.Wait()
	})
	return c
}

func chat(content string) []byte {
	raw, _ := json.Marshal(protocol.ChatMessage{Type: protocol.TypeChat, Content: content})
	return raw
}

// drain returns every event already queued on out.
func drain(out chan any) []any {
	var events []any
	for {
		select {
		case ev := <-out:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func streamed(events []any) string {
	var s string
	for _, ev := range events {
		if st, ok := ev.(protocol.Stream); ok {
			s += st.Content
		}
	}
	return s
}

func ofType[T any](events []any) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
