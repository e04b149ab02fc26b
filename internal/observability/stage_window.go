package observability

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Pipeline stage names.
const (
	StageUserPersist      = "user_persist"
	StageMemoryRetrieve   = "memory_retrieve"
	StageHistoryRead      = "history_read"
	StageFirstToken       = "first_token"
	StageGenerate         = "generate"
	StageAssistantPersist = "assistant_persist"
	StageMemoryIndex      = "memory_index"
	StageTurnTotal        = "turn_total"
)

// stageBudgets are the p95 latencies a healthy deployment stays under.
// Stages without a budget (generate) depend entirely on the backend.
var stageBudgets = map[string]time.Duration{
	StageUserPersist:      50 * time.Millisecond,
	StageAssistantPersist: 50 * time.Millisecond,
	StageHistoryRead:      50 * time.Millisecond,
	StageMemoryRetrieve:   250 * time.Millisecond,
	StageMemoryIndex:      500 * time.Millisecond,
	StageFirstToken:       900 * time.Millisecond,
	StageTurnTotal:        8 * time.Second,
}

// StageStats summarises the recent samples of one stage. Percentiles use
// nearest rank, so every reported value is an observed sample.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	// OverBudget counts samples in the window slower than the budget.
	OverBudget int  `json:"over_budget,omitempty"`
	Breached   bool `json:"breached,omitempty"`
}

// DegradationCount is how often the pipeline absorbed a failure of Call by
// applying Action since the last reset.
type DegradationCount struct {
	Call   string `json:"call"`
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt  time.Time          `json:"generated_at"`
	WindowSize   int                `json:"window_size"`
	Stages       []StageStats       `json:"stages"`
	Degradations []DegradationCount `json:"degradations,omitempty"`
}

// ring holds the newest samples of one stage.
type ring struct {
	buf  []time.Duration
	head int
	n    int
}

func (r *ring) push(d time.Duration) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() time.Duration {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

// sorted returns a sorted copy of the held samples.
func (r *ring) sorted() []time.Duration {
	out := make([]time.Duration, r.n)
	copy(out, r.buf[:r.n])
	slices.Sort(out)
	return out
}

type degradationKey struct{ call, action string }

// stageWindow backs /v1/perf/latency with the last size samples per stage
// and degradation counts.
type stageWindow struct {
	mu           sync.Mutex
	size         int
	rings        map[string]*ring
	degradations map[degradationKey]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	w := &stageWindow{size: size}
	w.clear()
	return w
}

func (w *stageWindow) clear() {
	w.rings = make(map[string]*ring)
	w.degradations = make(map[degradationKey]int)
}

func (w *stageWindow) observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{buf: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.push(d)
}

func (w *stageWindow) countDegradation(call, action string) {
	if call == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.degradations[degradationKey{call, action}]++
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *stageWindow) snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if r.n == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarizeStage(stage, r))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for k, n := range w.degradations {
		snap.Degradations = append(snap.Degradations, DegradationCount{Call: k.call, Action: k.action, Count: n})
	}
	sort.Slice(snap.Degradations, func(i, j int) bool {
		a, b := snap.Degradations[i], snap.Degradations[j]
		if a.Call != b.Call {
			return a.Call < b.Call
		}
		return a.Action < b.Action
	})
	return snap
}

func summarizeStage(stage string, r *ring) StageStats {
	samples := r.sorted()
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	p95 := nearestRank(samples, 0.95)
	st := StageStats{
		Stage:   stage,
		Samples: len(samples),
		LastMS:  millis(r.last()),
		AvgMS:   millis(sum / time.Duration(len(samples))),
		P50MS:   millis(nearestRank(samples, 0.50)),
		P95MS:   millis(p95),
		P99MS:   millis(nearestRank(samples, 0.99)),
	}
	if budget, ok := stageBudgets[stage]; ok {
		st.BudgetP95MS = millis(budget)
		st.Breached = p95 > budget
		// samples is sorted, so everything from the first slow sample on is over.
		st.OverBudget = len(samples) - sort.Search(len(samples), func(i int) bool { return samples[i] > budget })
	}
	return st
}

// nearestRank returns the smallest sample with at least p of the samples at
// or below it.
func nearestRank(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// millis reports d in milliseconds rounded to two decimals.
func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
