package main

import (
	"bytes"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/brain"
	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/controller"
	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/httpapi"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/session"
)

func TestWSURLForUser(t *testing.T) {
	got, err := wsURLForUser("https://chat.example.com/base/", "u 1", "concise")
	if err != nil {
		t.Fatalf("wsURLForUser() error = %v", err)
	}
	want := "wss://chat.example.com/base/v1/chat/ws?style=concise&user_id=u+1"
	if got != want {
		t.Fatalf("wsURLForUser() = %q, want %q", got, want)
	}

	if _, err := wsURLForUser("ftp://example.com", "u1", ""); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestSummarizeNearestRank(t *testing.T) {
	var samples []time.Duration
	for i := 20; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	s := summarize(samples)
	if s.P50 != 10*time.Millisecond || s.P95 != 19*time.Millisecond || s.Max != 20*time.Millisecond {
		t.Fatalf("summarize() = %+v", s)
	}
	if samples[0] != 20*time.Millisecond {
		t.Fatalf("summarize mutated its input")
	}
	if got := summarize(nil); got != (latencySummary{}) {
		t.Fatalf("summarize(nil) = %+v, want zero", got)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-turns", "3", "-texts", " a | |b ", "-turn-timeout-ms", "10"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.turns != 3 || len(cfg.texts) != 2 || cfg.texts[1] != "b" {
		t.Fatalf("parsed = %+v", cfg)
	}
	if cfg.turnTimeout != time.Second {
		t.Fatalf("turnTimeout = %s, want clamp to 1s", cfg.turnTimeout)
	}

	if _, err := parseFlags([]string{"-turns", "0"}); err == nil {
		t.Fatalf("expected error for zero turns")
	}
}

func TestRunAgainstServer(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetrics("test_perfchat", prometheus.NewRegistry())
	svc := controller.NewService(controller.Deps{
		Store:     conversation.NewInMemoryStore(),
		Generator: brain.NewMockAdapter(),
		Sessions:  sessions,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	}, controller.Options{})
	api := httpapi.New(config.Config{DefaultUserID: "anonymous"}, sessions, svc, metrics, zerolog.Nop(), httpapi.Info{})
	ts := httptest.NewServer(api.Router())
	defer ts.Close()

	// Samples from before the replay must not leak into its report.
	for i := 0; i < 5; i++ {
		metrics.ObserveStage(observability.StageTurnTotal, time.Second)
	}

	cfg, err := parseFlags([]string{"-base-url", ts.URL, "-turns", "3", "-inter-turn-ms", "0", "-reset-server-stats"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	var out bytes.Buffer
	if err := run(cfg, &out); err != nil {
		t.Fatalf("run() error = %v\n%s", err, out.String())
	}
	for _, want := range []string{"user=perf-replay", "turn 3/3", "first_chunk p50=", "server turn_total"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
	if !regexp.MustCompile(`server turn_total\s+n=3\s`).MatchString(out.String()) {
		t.Fatalf("turn_total should count only the replayed turns:\n%s", out.String())
	}
}
