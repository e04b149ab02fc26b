// Package memory provides semantic recall over past conversation turns.
//
// Turns are embedded and upserted into a per-user vector index after they are
// stored. Before a reply is generated, the current message is embedded and the
// index is queried for the closest memories of the same user, regardless of
// which session produced them.
package memory

import (
	"context"
	"time"
)

// Memory is a previously stored utterance made retrievable by similarity.
type Memory struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Role            string    `json:"role"`
	Text            string    `json:"text"`
	ImportanceScore float64   `json:"importance_score"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// Match is a Memory returned from a similarity query.
type Match struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// Metadata is attached to every indexed vector.
type Metadata struct {
	UserID         string
	Role           string
	Text           string
	ContentPreview string
	Importance     float64
	Timestamp      time.Time
}

// Filter scopes a query. UserID is required.
type Filter struct {
	UserID string
}

// Index is the vector index collaborator.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	Close() error
}

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
