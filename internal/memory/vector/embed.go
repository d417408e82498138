package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"log/slog"
)

const (
	embedBatchSize = 20
	embedTimeout   = 60 * time.Second
)

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	APIBase string // e.g. "https://api.openai.com/v1"
	APIKey  string
	Model   string // e.g. "text-embedding-3-small"
}

// Embedder produces embedding vectors for texts, caching by a short
// fingerprint of the text so re-chunking reuses prior work.
type Embedder struct {
	cfg    EmbeddingConfig
	client *http.Client

	mu       sync.Mutex
	cache    map[string][]float32
	dirty    bool
	path     string // cache file; empty = memory only
	corrupt  int
}

// NewEmbedder creates an embedder whose cache persists at path
// (conventionally <memoryDir>/.embedding-cache.json).
func NewEmbedder(cfg EmbeddingConfig, cachePath string) *Embedder {
	e := &Embedder{
		cfg:    cfg,
		client: &http.Client{Timeout: embedTimeout},
		cache:  make(map[string][]float32),
		path:   cachePath,
	}
	e.loadCache()
	return e
}

// Fingerprint returns the short cache key for a chunk text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// GetEmbeddings returns one vector per input text, serving cache hits
// directly and batching misses into requests of at most 20 texts.
func (e *Embedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int

	e.mu.Lock()
	for i, t := range texts {
		if v, ok := e.cache[Fingerprint(t)]; ok {
			out[i] = v
		} else {
			missIdx = append(missIdx, i)
		}
	}
	e.mu.Unlock()

	for start := 0; start < len(missIdx); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batch := missIdx[start:end]
		inputs := make([]string, len(batch))
		for j, idx := range batch {
			inputs[j] = texts[idx]
		}

		vectors, err := e.embedBatch(ctx, inputs)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		for j, idx := range batch {
			out[idx] = vectors[j]
			e.cache[Fingerprint(texts[idx])] = vectors[j]
		}
		e.dirty = true
		e.mu.Unlock()
	}

	return out, nil
}

// embedBatch performs one request against the embeddings endpoint.
// Results are re-ordered by the response index field before use.
func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	body, err := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.cfg.APIBase+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// SaveCache flushes the cache file when dirty.
func (e *Embedder) SaveCache() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.path == "" || !e.dirty {
		return nil
	}
	data, err := json.Marshal(e.cache)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(e.path, data, 0644); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// loadCache tolerates a missing or corrupt cache file by starting empty.
func (e *Embedder) loadCache() {
	if e.path == "" {
		return
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return
	}
	var cache map[string][]float32
	if err := json.Unmarshal(data, &cache); err != nil {
		e.corrupt++
		slog.Warn("vector: dropping corrupt embedding cache", "path", e.path, "error", err)
		return
	}
	e.cache = cache
}

// CacheSize returns the number of cached vectors.
func (e *Embedder) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
