package memory

import (
	"context"
	"fmt"
	"log/slog"
)

// PositionStore lists the index positions owned by records.
type PositionStore interface {
	ReferencedVectorIDs(ctx context.Context) ([]int, error)
}

// ReservableIndex is an index whose tail can be reserved with placeholder vectors.
type ReservableIndex interface {
	Size() int
	Pad(n int) (int, error)
	Persist() error
}

// ReconcileIndex runs before any vector is appended. If records reference
// positions at or past the end of the index, the snapshot that held them was
// lost; the index is padded with zero vectors up to the highest referenced
// position and persisted, so those positions are never assigned again. The
// lost positions are returned. Their memories stay in the store but match no
// query until they are uploaded again.
func ReconcileIndex(ctx context.Context, store PositionStore, ix ReservableIndex, logger *slog.Logger) ([]int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	refs, err := store.ReferencedVectorIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading referenced positions: %w", err)
	}

	size := ix.Size()
	var lost []int
	high := -1
	for _, pos := range refs {
		if pos >= size {
			lost = append(lost, pos)
		}
		if pos > high {
			high = pos
		}
	}
	if len(lost) == 0 {
		return nil, nil
	}

	added, err := ix.Pad(high + 1)
	if err != nil {
		return nil, fmt.Errorf("reserving lost positions: %w", err)
	}
	if err := ix.Persist(); err != nil {
		return nil, fmt.Errorf("persisting reserved positions: %w", err)
	}
	logger.Error("index is missing vectors referenced by memories; positions reserved",
		"index_size", size, "highest_referenced", high, "lost", len(lost), "padded", added)
	return lost, nil
}
