package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nugget/hearth/internal/httpkit"
)

// OpenAI generates embeddings through any OpenAI-compatible
// /embeddings endpoint.
type OpenAI struct {
	client     openai.Client
	model      string
	dims       int
	requestDim bool
	logger     *slog.Logger
}

// OpenAIConfig configures an OpenAI embedder.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string // e.g. "text-embedding-3-small"
	Dimensions int    // zero means use the model's native size, found by probing
}

// NewOpenAI creates an OpenAI embedder. Configured dimensions are sent
// with every request; otherwise the native size is probed once.
func NewOpenAI(ctx context.Context, cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &OpenAI{
		client: openai.NewClient(
			option.WithBaseURL(cfg.BaseURL),
			option.WithAPIKey(cfg.APIKey),
			option.WithMaxRetries(0),
			option.WithHTTPClient(httpkit.NewClient()),
		),
		model:      cfg.Model,
		dims:       cfg.Dimensions,
		requestDim: cfg.Dimensions > 0,
		logger:     logger.With("embedder", "openai", "model", cfg.Model),
	}

	if o.dims == 0 {
		vecs, err := o.request(ctx, []string{"dimension probe"})
		if err != nil {
			return nil, fmt.Errorf("probe %s dimensions: %w", o.model, err)
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("probe %s dimensions: empty embedding", o.model)
		}
		o.dims = len(vecs[0])
		o.logger.Debug("probed embedding dimensions", "dimensions", o.dims)
	}
	return o, nil
}

func (o *OpenAI) Dimensions() int   { return o.dims }
func (o *OpenAI) ModelName() string { return o.model }

// Embed sends the whole batch in one request.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := o.request(ctx, texts)
	if err != nil {
		return nil, err
	}
	if err := checkBatch(o.model, o.dims, texts, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (o *OpenAI) request(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.model),
	}
	if o.requestDim {
		params.Dimensions = openai.Int(int64(o.dims))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	// The API may return items out of order; Index is authoritative.
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		out[d.Index] = v
	}
	return out, nil
}

var _ Embedder = (*OpenAI)(nil)
