// Package embedcache is a content-addressed on-disk cache for embedding
// vectors. Keys are derived from the embedding purpose and the normalized
// input text, so for a fixed model the same text always resolves to the
// same vector without re-invoking the encoder.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paperatlas/paperatlas/engine/domain"
)

// blobVersion is bumped when the on-disk entry format changes. Entries
// with a different version are treated as misses, never migrated.
const blobVersion = 1

// maxWords caps normalized text before hashing and embedding, so
// pathological inputs cannot explode the key space or the encoder.
const maxWords = 400

const shardCount = 64

// EmbedFunc computes a vector for a piece of text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

type entry struct {
	Version int
	Purpose string
	Dim     int
	Vector  []float32
}

// Cache is safe for concurrent use. Writes to the same key from different
// goroutines race benignly: the computed value is idempotent, last writer
// wins.
type Cache struct {
	dir string
	dim int
	log *slog.Logger

	shards [shardCount]sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// New opens a cache rooted at dir, creating it if needed. dim is the
// vector dimension every entry must match.
func New(dir string, dim int, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{dir: dir, dim: dim, log: log}, nil
}

// Dim returns the configured vector dimension.
func (c *Cache) Dim() int { return c.dim }

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// GetOrCompute returns the cached vector for (purpose, text), computing
// and persisting it via embed on a miss. The returned vector always has
// the configured dimension. If embed fails, a zero vector is returned
// together with the error so the caller can choose between degrading and
// dropping.
//
// Cache IO errors are logged and treated as misses.
func (c *Cache) GetOrCompute(ctx context.Context, purpose, text string, embed EmbedFunc) ([]float32, error) {
	norm := Normalize(text)
	key := Key(purpose, norm)

	mu := &c.shards[shardIndex(key)]
	mu.Lock()
	defer mu.Unlock()

	if vec, ok := c.read(key, purpose); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	vec, err := embed(ctx, norm)
	if err != nil {
		return make([]float32, c.dim), fmt.Errorf("%w: purpose=%s: %v", domain.ErrEncode, purpose, err)
	}
	if len(vec) != c.dim {
		return make([]float32, c.dim), fmt.Errorf("%w: purpose=%s: got dimension %d, want %d",
			domain.ErrEncode, purpose, len(vec), c.dim)
	}

	c.write(key, purpose, vec)
	return vec, nil
}

func (c *Cache) read(key, purpose string) ([]float32, bool) {
	f, err := os.Open(c.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	defer f.Close()

	var e entry
	if err := gob.NewDecoder(f).Decode(&e); err != nil {
		c.log.Warn("cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if e.Version != blobVersion || e.Purpose != purpose || e.Dim != c.dim || len(e.Vector) != c.dim {
		return nil, false
	}
	return e.Vector, true
}

// write persists atomically: temp file in the same directory, then rename.
func (c *Cache) write(key, purpose string, vec []float32) {
	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
		return
	}
	tmpName := tmp.Name()

	e := entry{Version: blobVersion, Purpose: purpose, Dim: c.dim, Vector: vec}
	if err := gob.NewEncoder(tmp).Encode(e); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		c.log.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		c.log.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if err := os.Rename(tmpName, c.path(key)); err != nil {
		os.Remove(tmpName)
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".gob")
}

// Normalize trims, collapses internal whitespace, and caps the word count.
// Both the cache key and the encoder input are derived from the normalized
// form so cached and freshly computed vectors agree.
func Normalize(text string) string {
	words := strings.Fields(text)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

// Key is a collision-resistant digest over purpose and normalized text.
func Key(purpose, normalized string) string {
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}

func shardIndex(key string) int {
	// Keys are hex digests; the leading bytes are uniform enough.
	if len(key) < 2 {
		return 0
	}
	return int(key[0]^key[1]<<4) % shardCount
}
