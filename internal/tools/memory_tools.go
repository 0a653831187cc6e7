package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/embeddings"
	"github.com/nugget/hearth/internal/vectorstore"
)

const (
	defaultRecallLimit = 5
	maxRecallLimit     = 20
)

// Memory is long-term memory: the active embedder paired with the
// vector store. Remember and recall skills are thin wrappers over it,
// and the agent loop uses Recall to inject context.
type Memory struct {
	embedder embeddings.Embedder
	store    *vectorstore.Store
}

// NewMemory pairs an embedder with a store.
func NewMemory(e embeddings.Embedder, s *vectorstore.Store) *Memory {
	return &Memory{embedder: e, store: s}
}

// Recollection is one recalled memory.
type Recollection struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Score     float32        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Remember embeds text and stores it with metadata.
func (m *Memory) Remember(ctx context.Context, text string, metadata map[string]any) (vectorstore.Entry, error) {
	vec, err := embeddings.EmbedOne(ctx, m.embedder, text)
	if err != nil {
		return vectorstore.Entry{}, fmt.Errorf("embed: %w", err)
	}
	return m.store.Store(ctx, vectorstore.Entry{
		Embedding:  vec,
		SourceText: text,
		Metadata:   metadata,
		ModelName:  m.embedder.ModelName(),
		Dimensions: m.embedder.Dimensions(),
	})
}

// Recall returns the memories most similar to query. Store errors,
// including [vectorstore.ErrMigrationRequired], are returned as is.
func (m *Memory) Recall(ctx context.Context, query string, limit int) ([]Recollection, error) {
	vec, err := embeddings.EmbedOne(ctx, m.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	matches, err := m.store.Search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Recollection, len(matches))
	for i, match := range matches {
		out[i] = Recollection{
			ID:        match.ID,
			Text:      match.SourceText,
			Score:     match.Score,
			Metadata:  match.Metadata,
			CreatedAt: match.CreatedAt,
		}
	}
	return out, nil
}

func memoryError(err error) *SkillError {
	switch {
	case errors.Is(err, vectorstore.ErrMigrationRequired):
		return failed("long-term memory is blocked until the embedding migration is run")
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return failed("embedding does not match the memory store: %v", err)
	default:
		return failed("%v", err)
	}
}

// Register adds remember and recall to r.
func (m *Memory) Register(r *Registry) error {
	err := r.Register(&Tool{
		Name: "remember",
		Description: "Save a fact to long-term memory so it can be recalled in later conversations. " +
			"Store one self-contained statement per call.",
		Permission: Mutating,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The fact to remember, phrased so it stands on its own",
				},
				"category": map[string]any{
					"type":        "string",
					"description": "Optional grouping such as preference, person, or project",
				},
			},
			"required":             []string{"text"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			text = strings.TrimSpace(text)
			if text == "" {
				return nil, invalidInput("text is empty")
			}
			meta := map[string]any{}
			if cat, _ := args["category"].(string); cat != "" {
				meta["category"] = cat
			}
			entry, err := m.Remember(ctx, text, meta)
			if err != nil {
				return nil, memoryError(err)
			}
			return map[string]any{"id": entry.ID, "stored": true}, nil
		},
	})
	if err != nil {
		return err
	}

	return r.Register(&Tool{
		Name:        "recall",
		Description: "Search long-term memory for facts related to a query, most relevant first.",
		Permission:  ReadOnly,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "What to look for",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     maxRecallLimit,
					"description": "Maximum memories to return (default 5)",
				},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			limit := intArg(args, "limit")
			if limit == 0 {
				limit = defaultRecallLimit
			}
			found, err := m.Recall(ctx, query, limit)
			if err != nil {
				return nil, memoryError(err)
			}
			return map[string]any{"memories": found, "count": len(found)}, nil
		},
	})
}
