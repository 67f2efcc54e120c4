// Package index implements an append-only flat vector index addressed by
// dense integer positions.
//
// Positions are assigned in strictly increasing order starting at the
// current size and are never moved, overwritten or reused. There is no delete
// operation: callers must cross-reference the record store to decide whether
// a position is still live.
//
// A file-backed index has one writer at a time, enforced by a lock file next
// to the snapshot. Other processes open it read-only and pick up the writer's
// snapshots with Reload.
package index

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrDimensionMismatch is returned when a vector does not have the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrReadOnly is returned when appending to an index opened with OpenReadOnly.
	ErrReadOnly = errors.New("index is read-only")
	// ErrLocked is returned by Open when another writer holds the index.
	ErrLocked = errors.New("index is locked by another writer")
)

// Hit is one search result.
type Hit struct {
	Position int
	Score    float32
}

// Index is an in-memory flat index over fixed-dimension float32 vectors.
//
// Append is the only mutation and is serialized by the index itself, so
// concurrent writers can never race on the next position.
type Index struct {
	mu   sync.RWMutex
	dim  int
	data []float32 // row-major, len(data) == size*dim

	readOnly bool

	// persist state; guarded by persistMu so snapshots are written in order.
	persistMu sync.Mutex
	path      string
	saved     int // vectors in the snapshot last written or loaded
	lock      *flock.Flock
	fileMod   time.Time
	fileSize  int64
}

// New creates an empty index of the given dimension that is not backed by a file.
func New(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	return &Index{dim: dim}, nil
}

// Dim returns the configured vector dimension.
func (ix *Index) Dim() int {
	return ix.dim
}

// Size returns the number of vectors appended so far. It never decreases.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.data) / ix.dim
}

// ReadOnly reports whether the index was opened with OpenReadOnly.
func (ix *Index) ReadOnly() bool {
	return ix.readOnly
}

// Append adds vec and returns its position.
func (ix *Index) Append(vec []float32) (int, error) {
	if ix.readOnly {
		return -1, ErrReadOnly
	}
	if len(vec) != ix.dim {
		return -1, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pos := len(ix.data) / ix.dim
	ix.data = append(ix.data, vec...)
	return pos, nil
}

// Pad appends zero vectors until the index holds at least n, and returns how
// many were added. It reserves positions that must not be handed out again.
func (ix *Index) Pad(n int) (int, error) {
	if ix.readOnly {
		return 0, ErrReadOnly
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	size := len(ix.data) / ix.dim
	if n <= size {
		return 0, nil
	}
	ix.data = append(ix.data, make([]float32, (n-size)*ix.dim)...)
	return n - size, nil
}

// Vector returns a copy of the vector stored at pos.
func (ix *Index) Vector(pos int) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if pos < 0 || pos >= len(ix.data)/ix.dim {
		return nil, false
	}
	out := make([]float32, ix.dim)
	copy(out, ix.data[pos*ix.dim:(pos+1)*ix.dim])
	return out, true
}

// Search returns up to k positions ordered by descending inner product with
// query. Equal scores are ordered by ascending position so results are stable
// for a given index state.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.data) / ix.dim
	h := &hitHeap{}
	for pos := 0; pos < n; pos++ {
		score := innerProduct(query, ix.data[pos*ix.dim:(pos+1)*ix.dim])
		hit := Hit{Position: pos, Score: score}
		if h.Len() < k {
			heap.Push(h, hit)
		} else if worse((*h)[0], hit) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}

	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out, nil
}

func innerProduct(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot)
}

// worse reports whether a ranks below b.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Position > b.Position
}

// hitHeap is a min-heap with the worst-ranked hit at the root.
type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
