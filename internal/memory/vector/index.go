package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const indexVersion = 2

// Chunk is the atomic unit of indexing and retrieval. Immutable once
// created; updating a file removes and re-creates its chunks.
type Chunk struct {
	ID        string    `json:"id"` // file:chunkIndex
	File      string    `json:"file"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	CharStart int       `json:"charStart"`
	CharEnd   int       `json:"charEnd"`
}

// Options configures an Index.
type Options struct {
	Dir          string  // index + cache files live here
	ChunkSize    int     // default 1000
	Overlap      int     // 0 (no overlap) when unset; negative is treated as 0
	VectorWeight float64 // default 0.6
	BM25Weight   float64 // default 0.4
}

// Index combines dense-vector cosine similarity with BM25 lexical
// scoring over chunked documents. Mutations are mutually exclusive;
// searches may observe any recent consistent state.
type Index struct {
	mu         sync.RWMutex
	chunks     []Chunk
	fileHashes map[string]string
	dirty      bool

	path         string
	chunkSize    int
	overlap      int
	vectorWeight float64
	bm25Weight   float64

	embedder *Embedder
	corrupt  int
}

// New creates an index backed by <dir>/.vector-index.json and loads
// any persisted state. A version mismatch discards the on-disk index.
func New(opts Options, embedder *Embedder) *Index {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.VectorWeight <= 0 {
		opts.VectorWeight = 0.6
	}
	if opts.BM25Weight <= 0 {
		opts.BM25Weight = 0.4
	}

	idx := &Index{
		fileHashes:   make(map[string]string),
		chunkSize:    opts.ChunkSize,
		overlap:      opts.Overlap,
		vectorWeight: opts.VectorWeight,
		bm25Weight:   opts.BM25Weight,
		embedder:     embedder,
	}
	if opts.Dir != "" {
		idx.path = filepath.Join(opts.Dir, ".vector-index.json")
		idx.load()
	}
	return idx
}

// FileHash fingerprints file content for change detection.
func FileHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NeedsReindex reports whether content differs from what is indexed.
func (x *Index) NeedsReindex(file, content string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fileHashes[file] != FileHash(content)
}

// IndexFile chunks and embeds a file's content. Unchanged content is a
// no-op. All previous chunks for the file are replaced.
func (x *Index) IndexFile(ctx context.Context, file, content string) error {
	hash := FileHash(content)

	x.mu.RLock()
	unchanged := x.fileHashes[file] == hash
	x.mu.RUnlock()
	if unchanged {
		return nil
	}

	spans := chunkText(content, x.chunkSize, x.overlap)
	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.Text
	}

	var embeddings [][]float32
	if x.embedder != nil && len(texts) > 0 {
		var err error
		embeddings, err = x.embedder.GetEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed %s: %w", file, err)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeFileLocked(file)
	for i, sp := range spans {
		c := Chunk{
			ID:        fmt.Sprintf("%s:%d", file, i),
			File:      file,
			Text:      sp.Text,
			CharStart: sp.Span.Start,
			CharEnd:   sp.Span.End,
		}
		if embeddings != nil {
			c.Embedding = embeddings[i]
		}
		x.chunks = append(x.chunks, c)
	}
	x.fileHashes[file] = hash
	x.dirty = true
	return nil
}

// IndexFileTextOnly indexes without embeddings (lexical search still
// works). Used when the embedding endpoint is unavailable or disabled.
func (x *Index) IndexFileTextOnly(file, content string) {
	hash := FileHash(content)

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fileHashes[file] == hash {
		return
	}
	x.removeFileLocked(file)
	for i, sp := range chunkText(content, x.chunkSize, x.overlap) {
		x.chunks = append(x.chunks, Chunk{
			ID:        fmt.Sprintf("%s:%d", file, i),
			File:      file,
			Text:      sp.Text,
			CharStart: sp.Span.Start,
			CharEnd:   sp.Span.End,
		})
	}
	x.fileHashes[file] = hash
	x.dirty = true
}

// RemoveFile drops a file's chunks and fingerprint.
func (x *Index) RemoveFile(file string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeFileLocked(file)
	delete(x.fileHashes, file)
	x.dirty = true
}

func (x *Index) removeFileLocked(file string) {
	kept := x.chunks[:0]
	for _, c := range x.chunks {
		if c.File != file {
			kept = append(kept, c)
		}
	}
	x.chunks = kept
}

// Clear drops every chunk and fingerprint.
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks = nil
	x.fileHashes = make(map[string]string)
	x.dirty = true
}

// Size returns the number of chunks.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

// IndexedFiles returns the number of fingerprinted files.
func (x *Index) IndexedFiles() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.fileHashes)
}

// CorruptDropped reports discarded on-disk index documents.
func (x *Index) CorruptDropped() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.corrupt
}

type indexDocument struct {
	Version    int               `json:"version"`
	Chunks     []Chunk           `json:"chunks"`
	FileHashes map[string]string `json:"fileHashes"`
}

// Save persists the index document and flushes the embedding cache.
func (x *Index) Save() error {
	x.mu.Lock()
	if x.path == "" || !x.dirty {
		x.mu.Unlock()
		return x.saveCache()
	}
	doc := indexDocument{Version: indexVersion, Chunks: x.chunks, FileHashes: x.fileHashes}
	data, err := json.Marshal(&doc)
	if err != nil {
		x.mu.Unlock()
		return err
	}
	path := x.path
	x.dirty = false
	x.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	return x.saveCache()
}

func (x *Index) saveCache() error {
	if x.embedder == nil {
		return nil
	}
	return x.embedder.SaveCache()
}

// load tolerates missing, corrupt, or version-mismatched files by
// resetting to empty. Drops are logged and counted.
func (x *Index) load() {
	data, err := os.ReadFile(x.path)
	if err != nil {
		return
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		x.corrupt++
		slog.Warn("vector: dropping corrupt index file", "path", x.path, "error", err)
		return
	}
	if doc.Version != indexVersion {
		x.corrupt++
		slog.Warn("vector: discarding index with version mismatch", "path", x.path, "version", doc.Version, "want", indexVersion)
		return
	}
	x.chunks = doc.Chunks
	if doc.FileHashes != nil {
		x.fileHashes = doc.FileHashes
	}
}
