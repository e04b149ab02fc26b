package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/recall/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	style          string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
	serverStats    bool
	resetStats     bool
}

// wsEnvelope is the union of the server events the replay cares about.
type wsEnvelope struct {
	Type         string `json:"type"`
	UserID       string `json:"userId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Content      string `json:"content,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	Message      string `json:"message,omitempty"`
}

type turnResult struct {
	FirstChunk time.Duration
	Complete   time.Duration
	Chars      int
	Count      int
}

var defaultUtterances = []string{
	"Reply in three words: what do you remember about me?",
	"I really like jazz and long walks.",
	"Reply in three words: favorite music?",
	"Summarize our conversation in one sentence.",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS, interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("perfchat", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "recall base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "userId used for the synthetic session")
	fs.StringVar(&cfg.style, "style", "", "optional communication style seeded on connect")
	fs.IntVar(&cfg.turns, "turns", 10, "number of chat turns to replay")
	fs.IntVar(&startDelayMS, "start-delay-ms", 0, "delay before the first turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for complete per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "messages separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	fs.BoolVar(&cfg.serverStats, "server-stats", true, "print the server's /v1/perf/latency snapshot afterwards")
	fs.BoolVar(&cfg.resetStats, "reset-server-stats", false, "clear the server's latency window before replaying")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty messages")
		}
	}
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	if cfg.resetStats {
		if err := resetServerStats(ctx, cfg.baseURL); err != nil {
			return fmt.Errorf("reset server stats: %w", err)
		}
	}

	wsURL, err := wsURLForUser(cfg.baseURL, cfg.userID, cfg.style)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	connected, err := awaitEvent(events, readErrCh, cfg.turnTimeout, string(protocol.TypeConnected))
	if err != nil {
		return fmt.Errorf("await connected: %w", err)
	}
	if cfg.verbose {
		fmt.Fprintf(out, "perfchat: user=%s session=%s turns=%d\n", connected.UserID, connected.SessionID, cfg.turns)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		res, err := replayTurn(conn, events, readErrCh, text, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if res.Count != i+1 {
			return fmt.Errorf("turn %d: messageCount = %d, want %d", i+1, res.Count, i+1)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Fprintf(out, "perfchat: turn %d/%d first_chunk=%s complete=%s chars=%d\n",
				i+1, cfg.turns, res.FirstChunk.Round(time.Millisecond), res.Complete.Round(time.Millisecond), res.Chars)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(out, results)
	if cfg.serverStats {
		if err := printServerStats(ctx, out, cfg.baseURL); err != nil {
			fmt.Fprintf(os.Stderr, "perfchat: server stats unavailable: %v\n", err)
		}
	}
	return nil
}

func replayTurn(conn *websocket.Conn, events <-chan wsEnvelope, readErrCh <-chan error, text string, timeout time.Duration) (turnResult, error) {
	started := time.Now()
	msg := protocol.ChatMessage{Type: protocol.TypeChat, Content: text}
	if err := conn.WriteJSON(msg); err != nil {
		return turnResult{}, fmt.Errorf("send chat: %w", err)
	}

	var res turnResult
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case string(protocol.TypeStream):
				if res.FirstChunk == 0 {
					res.FirstChunk = time.Since(started)
				}
				res.Chars += len([]rune(ev.Content))
			case string(protocol.TypeComplete):
				res.Complete = time.Since(started)
				res.Count = ev.MessageCount
				return res, nil
			case string(protocol.TypeError):
				return res, fmt.Errorf("server error: %s", ev.Message)
			}
		case err := <-readErrCh:
			return res, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s waiting for complete", timeout)
		}
	}
}

func wsURLForUser(baseURL, userID, style string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	q := u.Query()
	if userID = strings.TrimSpace(userID); userID != "" {
		q.Set("user_id", userID)
	}
	if style = strings.TrimSpace(style); style != "" {
		q.Set("style", style)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- env
	}
}

func awaitEvent(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, eventType string) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				return ev, nil
			}
		case err := <-readErrCh:
			return wsEnvelope{}, err
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

type latencySummary struct {
	P50 time.Duration
	P95 time.Duration
	Max time.Duration
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return latencySummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		Max: sorted[len(sorted)-1],
	}
}

// percentile uses nearest-rank over an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printSummary(out io.Writer, results []turnResult) {
	first := make([]time.Duration, 0, len(results))
	complete := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.FirstChunk > 0 {
			first = append(first, r.FirstChunk)
		}
		complete = append(complete, r.Complete)
	}
	f, c := summarize(first), summarize(complete)
	fmt.Fprintf(out, "perfchat: first_chunk p50=%s p95=%s max=%s\n",
		f.P50.Round(time.Millisecond), f.P95.Round(time.Millisecond), f.Max.Round(time.Millisecond))
	fmt.Fprintf(out, "perfchat: complete    p50=%s p95=%s max=%s\n",
		c.P50.Round(time.Millisecond), c.P95.Round(time.Millisecond), c.Max.Round(time.Millisecond))
}

func resetServerStats(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/perf/latency/reset", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return nil
}

func printServerStats(ctx context.Context, out io.Writer, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}

	var snap struct {
		Stages []struct {
			Stage   string  `json:"stage"`
			Samples int     `json:"samples"`
			P50MS   float64 `json:"p50_ms"`
			P95MS   float64 `json:"p95_ms"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&snap); err != nil {
		return err
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(out, "perfchat: server %-18s n=%-4d p50=%.1fms p95=%.1fms\n", st.Stage, st.Samples, st.P50MS, st.P95MS)
	}
	return nil
}
