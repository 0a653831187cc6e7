package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/httpkit"
)

// Ollama generates embeddings with a model served by Ollama.
type Ollama struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
	logger  *slog.Logger
}

// OllamaConfig configures an Ollama embedder.
type OllamaConfig struct {
	BaseURL    string // e.g. "http://localhost:11434"
	Model      string // e.g. "nomic-embed-text"
	Dimensions int    // zero means probe the model once
}

// NewOllama creates an Ollama embedder. When cfg.Dimensions is zero the
// model is asked to embed a probe string and its length becomes the
// dimension count, so construction fails if the backend is unreachable.
func NewOllama(ctx context.Context, cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Ollama{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		dims:    cfg.Dimensions,
		client:  httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
		logger:  logger.With("embedder", "ollama", "model", cfg.Model),
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

func (o *Ollama) Dimensions() int   { return o.dims }
func (o *Ollama) ModelName() string { return o.model }

// embedRequest is the Ollama /api/embed request.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the Ollama /api/embed response.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends the whole batch in one request.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
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

func (o *Ollama) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return embedResp.Embeddings, nil
}

var _ Embedder = (*Ollama)(nil)
