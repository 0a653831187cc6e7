package vectorstore

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/hearth/internal/embeddings"
)

const (
	migrateBatchSize   = 32
	migrateConcurrency = 4
)

// MigrationReport summarizes a completed migration.
type MigrationReport struct {
	FromModel      string        `json:"from_model"`
	FromDimensions int           `json:"from_dimensions"`
	ToModel        string        `json:"to_model"`
	ToDimensions   int           `json:"to_dimensions"`
	Reembedded     int           `json:"reembedded"`
	Skipped        bool          `json:"skipped"` // store already matched the embedder
	Duration       time.Duration `json:"duration"`
}

// Migrate re-embeds every entry's source text with e and replaces all
// vectors and the baseline in one transaction. Searches fail with
// [ErrMigrationRequired] while it runs. Running it again with the same
// embedder is a no-op. On failure the store is left blocked with its
// previous vectors intact.
func (s *Store) Migrate(ctx context.Context, e embeddings.Embedder) (MigrationReport, error) {
	start := time.Now()
	model, dims := e.ModelName(), e.Dimensions()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base, ok, err := baseline(ctx, s.db)
	if err != nil {
		return MigrationReport{}, storageErr("read baseline", err)
	}
	report := MigrationReport{
		FromModel:      base.ModelName,
		FromDimensions: base.Dimensions,
		ToModel:        model,
		ToDimensions:   dims,
	}

	if ok && base.ModelName == model && base.Dimensions == dims {
		s.blocked.Store(false)
		report.Skipped = true
		report.Duration = time.Since(start)
		return report, nil
	}

	s.blocked.Store(true)
	s.logger.Info("migration started",
		"from_model", base.ModelName,
		"to_model", model,
		"entries", base.EntryCount,
	)

	ids, texts, err := s.sources(ctx)
	if err != nil {
		return report, err
	}

	vectors, err := reembed(ctx, e, texts)
	if err != nil {
		return report, fmt.Errorf("re-embed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, storageErr("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE vector_entries SET embedding = ?, model_name = ?, dimensions = ? WHERE id = ?`)
	if err != nil {
		return report, storageErr("prepare", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, encodeEmbedding(vectors[i]), model, dims, id); err != nil {
			return report, storageErr("update", err)
		}
	}
	if err := setBaseline(ctx, tx, model, dims); err != nil {
		return report, storageErr("set baseline", err)
	}
	if err := tx.Commit(); err != nil {
		return report, storageErr("commit", err)
	}

	s.blocked.Store(false)
	report.Reembedded = len(ids)
	report.Duration = time.Since(start)
	s.logger.Info("migration finished",
		"to_model", model,
		"reembedded", report.Reembedded,
		"elapsed", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

// sources returns every entry's id and source text in insertion order.
func (s *Store) sources(ctx context.Context) ([]string, []string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_text FROM vector_entries ORDER BY seq`)
	if err != nil {
		return nil, nil, storageErr("query", err)
	}
	defer rows.Close()

	var ids, texts []string
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, nil, storageErr("scan", err)
		}
		ids = append(ids, id)
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storageErr("iterate", err)
	}
	return ids, texts, nil
}

// reembed embeds texts in fixed-size batches with bounded concurrency,
// keeping results in input order.
func reembed(ctx context.Context, e embeddings.Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	dims := e.Dimensions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(migrateConcurrency)

	for start := 0; start < len(texts); start += migrateBatchSize {
		end := min(start+migrateBatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.Embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("batch %d-%d: got %d vectors", start, end, len(vecs))
			}
			for i, v := range vecs {
				if len(v) != dims {
					return fmt.Errorf("entry %d: embedder returned %d dimensions, declared %d: %w",
						start+i, len(v), dims, ErrDimensionMismatch)
				}
				out[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
