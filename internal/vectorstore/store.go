// Package vectorstore keeps a content-addressed corpus of log records paired
// with a dense vector index, so each record is embedded exactly once and can
// be retrieved by semantic similarity later.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"threathunter/internal/embed"
	"threathunter/internal/persist"
	"threathunter/internal/types"
)

// Entry pairs a stored record with its index handle.
type Entry struct {
	Handle int64           `json:"handle"`
	Record types.LogRecord `json:"record"`
}

// Config holds store configuration.
type Config struct {
	// IndexPath is where the binary vector index is persisted.
	IndexPath string
	// MetadataPath is where the digest-to-record metadata is persisted.
	MetadataPath string
	// ChunkSize caps how many records are embedded per API call.
	ChunkSize int
}

// Store is the deduplicating vector store. All exported methods are safe for
// concurrent use; embedding calls run outside the lock.
type Store struct {
	mu       sync.Mutex
	index    *flatIndex
	meta     map[string]Entry // digest -> entry
	handles  map[int64]string // handle -> digest
	embedder embed.Embedder

	indexPath string
	metaPath  string
	chunkSize int
	logger    zerolog.Logger
}

// New creates an empty store backed by embedder.
func New(cfg Config, embedder embed.Embedder, logger zerolog.Logger) *Store {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 64
	}
	return &Store{
		index:     newFlatIndex(embedder.Dimension()),
		meta:      make(map[string]Entry),
		handles:   make(map[int64]string),
		embedder:  embedder,
		indexPath: cfg.IndexPath,
		metaPath:  cfg.MetadataPath,
		chunkSize: chunk,
		logger:    logger.With().Str("component", "vectorstore").Logger(),
	}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meta)
}

// Get returns the record stored under digest, if any.
func (s *Store) Get(digest string) (types.LogRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.meta[digest]
	if !ok {
		return nil, false
	}
	return entry.Record, true
}

// FilterNovel returns the subset of records not yet stored, preserving input
// order and collapsing duplicates within the batch itself.
func (s *Store) FilterNovel(records []types.LogRecord) []types.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var novel []types.LogRecord
	for _, rec := range records {
		digest := rec.Digest()
		if _, ok := s.meta[digest]; ok {
			continue
		}
		if _, ok := seen[digest]; ok {
			continue
		}
		seen[digest] = struct{}{}
		novel = append(novel, rec)
	}
	return novel
}

// Insert embeds and stores records, skipping any already present. A failed
// embedding call drops only that chunk; earlier chunks stay stored. Returns
// the number of records actually added.
func (s *Store) Insert(ctx context.Context, records []types.LogRecord) (int, error) {
	novel := s.FilterNovel(records)
	if len(novel) == 0 {
		return 0, nil
	}

	added := 0
	var firstErr error
	for start := 0; start < len(novel); start += s.chunkSize {
		end := min(start+s.chunkSize, len(novel))
		chunk := novel[start:end]

		texts := make([]string, len(chunk))
		digests := make([]string, len(chunk))
		for i, rec := range chunk {
			digests[i] = rec.Digest()
			texts[i] = rec.EmbeddingText(digests[i])
		}

		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			s.logger.Error().Err(err).Int("chunk_size", len(chunk)).
				Msg("embedding chunk failed, dropping chunk")
			if firstErr == nil {
				firstErr = fmt.Errorf("embed chunk: %w", err)
			}
			continue
		}

		s.mu.Lock()
		for i, rec := range chunk {
			digest := digests[i]
			if _, ok := s.meta[digest]; ok {
				continue
			}
			handle := s.newHandleLocked()
			if err := s.index.add(handle, vecs[i]); err != nil {
				s.mu.Unlock()
				return added, fmt.Errorf("index insert: %w", err)
			}
			s.meta[digest] = Entry{Handle: handle, Record: rec}
			s.handles[handle] = digest
			added++
		}
		s.mu.Unlock()
	}

	if added > 0 {
		s.logger.Debug().Int("added", added).Int("total", s.Len()).Msg("records stored")
	}
	return added, firstErr
}

// newHandleLocked picks a random handle not already in use. Caller holds mu.
func (s *Store) newHandleLocked() int64 {
	for {
		h := rand.Int63()
		if _, ok := s.handles[h]; !ok {
			return h
		}
	}
}

// Result is one search hit. Distance is the squared L2 distance between the
// query vector and the stored vector.
type Result struct {
	Digest   string
	Record   types.LogRecord
	Distance float32
}

// Search embeds query and returns up to k stored records by ascending
// distance. An empty store yields no results and no error.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if s.Len() == 0 || k <= 0 {
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := s.index.search(vecs[0], k)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		digest, ok := s.handles[m.handle]
		if !ok {
			continue
		}
		results = append(results, Result{
			Digest:   digest,
			Record:   s.meta[digest].Record,
			Distance: m.dist,
		})
	}
	return results, nil
}

// Persist writes the index and metadata, each via atomic replace, index
// first. A crash between the two writes is reconciled on the next Load.
func (s *Store) Persist() error {
	s.mu.Lock()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	err := s.index.writeTo(gz)
	if err == nil {
		err = gz.Close()
	}
	metaBlob, merr := json.Marshal(s.meta)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("serialize index: %w", err)
	}
	if merr != nil {
		return fmt.Errorf("serialize metadata: %w", merr)
	}

	if err := persist.WriteFileAtomic(s.indexPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	if err := persist.WriteFileAtomic(s.metaPath, metaBlob, 0o644); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// Load restores a persisted store. Missing files leave the store empty. The
// two files are reconciled: entries present in only one side are dropped so
// index and metadata always agree after a load.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndexFile()
	if err != nil {
		return err
	}

	meta := make(map[string]Entry)
	if err := persist.ReadJSON(s.metaPath, &meta); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load metadata: %w", err)
	}

	// Reconcile: keep only handles known to both sides.
	known := make(map[int64]string, len(meta))
	for digest, entry := range meta {
		known[entry.Handle] = digest
	}
	dropped := 0
	for _, h := range append([]int64(nil), index.handles...) {
		if _, ok := known[h]; !ok {
			index.remove(h)
			dropped++
		}
	}
	indexed := make(map[int64]struct{}, index.len())
	for _, h := range index.handles {
		indexed[h] = struct{}{}
	}
	for digest, entry := range meta {
		if _, ok := indexed[entry.Handle]; !ok {
			delete(meta, digest)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn().Int("dropped", dropped).
			Msg("reconciled index/metadata mismatch on load")
	}

	handles := make(map[int64]string, len(meta))
	for digest, entry := range meta {
		handles[entry.Handle] = digest
	}
	s.index = index
	s.meta = meta
	s.handles = handles
	s.logger.Info().Int("records", len(meta)).Msg("vector store loaded")
	return nil
}

func (s *Store) loadIndexFile() (*flatIndex, error) {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return newFlatIndex(s.embedder.Dimension()), nil
		}
		return nil, fmt.Errorf("load index: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress index: %w", err)
	}
	defer gz.Close()
	index, err := readIndex(gz)
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if index.dim != s.embedder.Dimension() {
		return nil, fmt.Errorf("index dimension %d does not match embedder dimension %d",
			index.dim, s.embedder.Dimension())
	}
	return index, nil
}
