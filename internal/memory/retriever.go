package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/policy"
)

// Retriever finds the memories most relevant to a message.
type Retriever struct {
	embedder      Embedder
	index         Index
	minSimilarity float64
}

func NewRetriever(embedder Embedder, index Index, minSimilarity float64) *Retriever {
	return &Retriever{
		embedder:      embedder,
		index:         index,
		minSimilarity: minSimilarity,
	}
}

// Retrieve returns up to k matches for the user, best first.
func (r *Retriever) Retrieve(ctx context.Context, userID, text string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	// Over-fetch so ties at the cut-off are broken by Rank, not by the index.
	matches, err := r.index.Query(ctx, vec, k*2, Filter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	kept := matches[:0]
	for _, m := range matches {
		if m.Memory.UserID != "" && m.Memory.UserID != userID {
			continue
		}
		if m.Score < r.minSimilarity {
			continue
		}
		kept = append(kept, m)
	}
	Rank(kept)
	if len(kept) > k {
		kept = kept[:k]
	}
	return kept, nil
}

// Rank orders matches by score, then importance, then recency.
func Rank(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.ImportanceScore != b.Memory.ImportanceScore {
			return a.Memory.ImportanceScore > b.Memory.ImportanceScore
		}
		return a.Memory.SourceTimestamp.After(b.Memory.SourceTimestamp)
	})
}

// Indexer turns stored turns into memories.
type Indexer struct {
	embedder     Embedder
	index        Index
	redactPII    bool
	previewChars int
}

type IndexerOptions struct {
	RedactPII    bool
	PreviewChars int
}

func NewIndexer(embedder Embedder, index Index, opts IndexerOptions) *Indexer {
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = 160
	}
	return &Indexer{
		embedder:     embedder,
		index:        index,
		redactPII:    opts.RedactPII,
		previewChars: opts.PreviewChars,
	}
}

// Index embeds the turn and upserts it keyed by the turn id.
func (x *Indexer) Index(ctx context.Context, turn conversation.Turn) error {
	text := turn.Content
	if x.redactPII {
		text, _ = policy.RedactPII(text)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}
	return x.index.Upsert(ctx, turn.ID, vec, Metadata{
		UserID:         turn.UserID,
		Role:           string(turn.Role),
		Text:           text,
		ContentPreview: Preview(text, x.previewChars),
		Importance:     ScoreImportance(text),
		Timestamp:      turn.CreatedAt,
	})
}

// Preview truncates text to at most n runes, marking the cut with an ellipsis.
func Preview(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

var importanceCues = []string{
	"remember", "i like", "i love", "i prefer", "i hate", "my name", "i am", "i'm",
	"my favorite", "my favourite", "always", "never", "important",
}

// ScoreImportance is a cheap heuristic in [0,1]: self-disclosure cues and
// longer statements rank above short acknowledgements.
func ScoreImportance(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.2
	for _, cue := range importanceCues {
		if strings.Contains(lower, cue) {
			score += 0.4
			break
		}
	}
	words := len(strings.Fields(lower))
	lengthBoost := float64(words) / 100
	if lengthBoost > 0.4 {
		lengthBoost = 0.4
	}
	return clamp01(score + lengthBoost)
}
