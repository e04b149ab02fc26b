package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const (
	metaUserID     = "user_id"
	metaRole       = "role"
	metaPreview    = "content_preview"
	metaTimestamp  = "timestamp"
	metaImportance = "importance"
)

// ChromemIndex wraps chromem-go. Each user gets a collection of their own, so
// concurrent sessions of different users never touch the same collection.
type ChromemIndex struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex creates an in-memory index, or a persistent one when path is set.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(path) == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (x *ChromemIndex) collection(userID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[userID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[userID]; ok {
		return col, nil
	}
	// Vectors are always supplied by the caller, so no embedding func is set.
	col, err := x.db.GetOrCreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[userID] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("memory id is required")
	}
	if strings.TrimSpace(meta.UserID) == "" {
		return errors.New("memory user id is required")
	}
	if len(vector) == 0 {
		return errors.New("memory vector is empty")
	}
	col, err := x.collection(meta.UserID)
	if err != nil {
		return err
	}

	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	text := meta.Text
	if text == "" {
		text = meta.ContentPreview
	}

	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: cloneVector(vector),
		Metadata: map[string]string{
			metaUserID:     meta.UserID,
			metaRole:       meta.Role,
			metaPreview:    meta.ContentPreview,
			metaTimestamp:  ts.UTC().Format(time.RFC3339Nano),
			metaImportance: strconv.FormatFloat(clamp01(meta.Importance), 'f', 4, 64),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, errors.New("query filter requires a user id")
	}
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	col, err := x.collection(filter.UserID)
	if err != nil {
		return nil, err
	}

	// chromem-go rejects nResults larger than the collection.
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, n, map[string]string{metaUserID: filter.UserID}, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{
			Memory: memoryFromResult(r),
			Score:  float64(r.Similarity),
		})
	}
	return out, nil
}

func (x *ChromemIndex) Close() error { return nil }

func memoryFromResult(r chromem.Result) Memory {
	ts, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaTimestamp])
	importance, _ := strconv.ParseFloat(r.Metadata[metaImportance], 64)
	text := r.Content
	if text == "" {
		text = r.Metadata[metaPreview]
	}
	return Memory{
		ID:              r.ID,
		UserID:          r.Metadata[metaUserID],
		Role:            r.Metadata[metaRole],
		Text:            text,
		ImportanceScore: importance,
		SourceTimestamp: ts,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
