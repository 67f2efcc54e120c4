package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemory(id, user string) Memory {
	return Memory{
		ID:               id,
		UserID:           user,
		ImageUUID:        "img-" + id,
		BlobRef:          "memories/" + user + "/img-" + id + ".png",
		OriginalFilename: id + ".png",
		ContentType:      "image/png",
		FileSize:         10,
		UserTags:         []string{"beach", "family"},
		UserNotes:        "notes for " + id,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestCreateAndGetMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateMemory(ctx, newMemory("m1", "alice")); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	got, err := s.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.ProcessingStatus != StatusPending {
		t.Errorf("ProcessingStatus = %q, want pending", got.ProcessingStatus)
	}
	if got.VectorIndexID != nil {
		t.Errorf("VectorIndexID = %d, want nil", *got.VectorIndexID)
	}
	if len(got.UserTags) != 2 || got.UserTags[0] != "beach" {
		t.Errorf("UserTags = %v", got.UserTags)
	}
	if got.ProcessedAt != nil {
		t.Error("ProcessedAt should be nil before processing")
	}

	if _, err := s.GetMemoryForUser(ctx, "bob", "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMemoryForUser(bob) err = %v, want ErrNotFound", err)
	}
	byUUID, err := s.GetMemoryByImageUUID(ctx, "img-m1")
	if err != nil || byUUID.ID != "m1" {
		t.Errorf("GetMemoryByImageUUID = %+v, %v", byUUID, err)
	}
}

func TestGetMemory_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetMemory(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProcessingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateMemory(ctx, newMemory("m1", "alice")); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkProcessing(ctx, "m1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	got, _ := s.GetMemory(ctx, "m1")
	if got.ProcessingStatus != StatusProcessing {
		t.Fatalf("status = %q, want processing", got.ProcessingStatus)
	}

	done := time.Now().UTC()
	err := s.CompleteProcessing(ctx, "m1", Completion{
		Description:        "a dog on a beach",
		EmbeddingModel:     "nomic-embed-text",
		EmbeddingDimension: 4,
		VectorIndexID:      7,
		ProcessedAt:        done,
	})
	if err != nil {
		t.Fatalf("CompleteProcessing: %v", err)
	}

	got, _ = s.GetMemory(ctx, "m1")
	if got.ProcessingStatus != StatusCompleted {
		t.Errorf("status = %q, want completed", got.ProcessingStatus)
	}
	if got.VectorIndexID == nil || *got.VectorIndexID != 7 {
		t.Errorf("VectorIndexID = %v, want 7", got.VectorIndexID)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt not set")
	}
	if got.AIDescription != "a dog on a beach" || got.EmbeddingDimension != 4 {
		t.Errorf("completion fields not stored: %+v", got)
	}
}

func TestCompleteProcessing_VectorIDWrittenOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateMemory(ctx, newMemory("m1", "alice")); err != nil {
		t.Fatal(err)
	}
	c := Completion{Description: "d", EmbeddingModel: "m", EmbeddingDimension: 4, VectorIndexID: 1, ProcessedAt: time.Now()}
	if err := s.CompleteProcessing(ctx, "m1", c); err != nil {
		t.Fatal(err)
	}

	c.VectorIndexID = 2
	if err := s.CompleteProcessing(ctx, "m1", c); !errors.Is(err, ErrVectorAssigned) {
		t.Fatalf("second CompleteProcessing err = %v, want ErrVectorAssigned", err)
	}
	got, _ := s.GetMemory(ctx, "m1")
	if *got.VectorIndexID != 1 {
		t.Errorf("VectorIndexID = %d, want 1", *got.VectorIndexID)
	}

	if err := s.CompleteProcessing(ctx, "missing", c); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record err = %v, want ErrNotFound", err)
	}
}

func TestCompleteProcessing_PositionNeverShared(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		if err := s.CreateMemory(ctx, newMemory(id, "alice")); err != nil {
			t.Fatal(err)
		}
	}
	c := Completion{Description: "d", EmbeddingModel: "m", EmbeddingDimension: 4, VectorIndexID: 3, ProcessedAt: time.Now()}
	if err := s.CompleteProcessing(ctx, "m1", c); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteProcessing(ctx, "m2", c); err == nil {
		t.Fatal("expected unique constraint violation when reusing a position")
	}
}

func TestFailProcessing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateMemory(ctx, newMemory("m1", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := s.FailProcessing(ctx, "m1", "vision model timed out"); err != nil {
		t.Fatalf("FailProcessing: %v", err)
	}
	got, _ := s.GetMemory(ctx, "m1")
	if got.ProcessingStatus != StatusFailed || got.ProcessingError != "vision model timed out" {
		t.Errorf("got status=%q error=%q", got.ProcessingStatus, got.ProcessingError)
	}
	if got.VectorIndexID != nil {
		t.Error("failed record must not reference a vector")
	}
	if err := s.FailProcessing(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListMemories_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := newMemory(fmt.Sprintf("m%d", i), "alice")
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateMemory(ctx, newMemory("other", "bob")); err != nil {
		t.Fatal(err)
	}

	page, err := s.ListMemories(ctx, "alice", 2, 1)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("len = %d, want 2", len(page))
	}
	if page[0].ID != "m3" || page[1].ID != "m2" {
		t.Errorf("page = [%s %s], want [m3 m2]", page[0].ID, page[1].ID)
	}
}

func TestGetMemoriesByVectorIDs_SkipsOrphans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"m0", "m1"} {
		if err := s.CreateMemory(ctx, newMemory(id, "alice")); err != nil {
			t.Fatal(err)
		}
		c := Completion{Description: "d", EmbeddingModel: "m", EmbeddingDimension: 4, VectorIndexID: i, ProcessedAt: time.Now()}
		if err := s.CompleteProcessing(ctx, id, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetMemoriesByVectorIDs(ctx, []int{0, 1, 5})
	if err != nil {
		t.Fatalf("GetMemoriesByVectorIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].ID != "m1" {
		t.Errorf("position 1 -> %q, want m1", got[1].ID)
	}
	if _, ok := got[5]; ok {
		t.Error("orphan position 5 should not resolve")
	}

	empty, err := s.GetMemoriesByVectorIDs(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty lookup = %v, %v", empty, err)
	}
}

func TestUpdateMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateMemory(ctx, newMemory("m1", "alice")); err != nil {
		t.Fatal(err)
	}

	tags := []string{"sunset"}
	private := true
	got, err := s.UpdateMemory(ctx, "alice", "m1", MemoryUpdate{UserTags: &tags, IsPrivate: &private})
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if len(got.UserTags) != 1 || got.UserTags[0] != "sunset" || !got.IsPrivate {
		t.Errorf("update not applied: %+v", got)
	}
	if got.UserNotes != "notes for m1" {
		t.Errorf("UserNotes changed unexpectedly: %q", got.UserNotes)
	}

	if _, err := s.UpdateMemory(ctx, "bob", "m1", MemoryUpdate{UserTags: &tags}); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign update err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMemory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateMemory(ctx, newMemory("m1", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMemory(ctx, "bob", "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteMemory(ctx, "alice", "m1"); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if _, err := s.GetMemory(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present after delete: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateMemory(ctx, newMemory(id, "alice")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.FailProcessing(ctx, "a", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx, "alice")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalMemories != 3 || st.TotalSizeBytes != 30 {
		t.Errorf("totals = %d/%d, want 3/30", st.TotalMemories, st.TotalSizeBytes)
	}
	if st.ProcessingFailed != 1 || st.ProcessingActive != 1 || st.ProcessingPending != 1 {
		t.Errorf("per-status counts wrong: %+v", st)
	}
}

func TestReferencedVectorIDsAndListStuck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"m0", "m1", "m2"} {
		if err := s.CreateMemory(ctx, newMemory(id, "alice")); err != nil {
			t.Fatal(err)
		}
	}
	c := Completion{Description: "d", EmbeddingModel: "m", EmbeddingDimension: 4, VectorIndexID: 4, ProcessedAt: time.Now()}
	if err := s.CompleteProcessing(ctx, "m0", c); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(ctx, "m1"); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ReferencedVectorIDs(ctx)
	if err != nil {
		t.Fatalf("ReferencedVectorIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 4 {
		t.Errorf("ids = %v, want [4]", ids)
	}

	stuck, err := s.ListStuck(ctx, StatusProcessing, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "m1" {
		t.Errorf("stuck = %v, want [m1]", stuck)
	}
	none, _ := s.ListStuck(ctx, StatusProcessing, time.Now().Add(-time.Hour))
	if len(none) != 0 {
		t.Errorf("cutoff in the past should find nothing, got %d", len(none))
	}
}
