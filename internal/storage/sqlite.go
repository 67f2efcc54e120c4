package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that text ordering in SQLite matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store wraps a SQLite database holding memory records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "eyemem.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Memories ---

const memoryColumns = `id, user_id, image_uuid, blob_ref, original_filename, content_type, file_size,
	processing_status, processing_error, processed_at, ai_description, embedding_model,
	embedding_dimension, vector_index_id, user_tags, user_notes, is_private, is_favorite,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var status, tags, createdAt, updatedAt string
	var processedAt sql.NullString
	var vectorID sql.NullInt64
	err := row.Scan(&m.ID, &m.UserID, &m.ImageUUID, &m.BlobRef, &m.OriginalFilename, &m.ContentType, &m.FileSize,
		&status, &m.ProcessingError, &processedAt, &m.AIDescription, &m.EmbeddingModel,
		&m.EmbeddingDimension, &vectorID, &tags, &m.UserNotes, &m.IsPrivate, &m.IsFavorite,
		&createdAt, &updatedAt)
	if err != nil {
		return Memory{}, err
	}
	m.ProcessingStatus = ProcessingStatus(status)
	if vectorID.Valid {
		v := int(vectorID.Int64)
		m.VectorIndexID = &v
	}
	if err := json.Unmarshal([]byte(tags), &m.UserTags); err != nil {
		return Memory{}, fmt.Errorf("decoding user_tags for %s: %w", m.ID, err)
	}
	if m.UserTags == nil {
		m.UserTags = []string{}
	}
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Memory{}, fmt.Errorf("parsing created_at for %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Memory{}, fmt.Errorf("parsing updated_at for %s: %w", m.ID, err)
	}
	if processedAt.Valid && processedAt.String != "" {
		t, err := time.Parse(timeLayout, processedAt.String)
		if err != nil {
			return Memory{}, fmt.Errorf("parsing processed_at for %s: %w", m.ID, err)
		}
		m.ProcessedAt = &t
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

// CreateMemory inserts a new record. Status defaults to pending.
func (s *Store) CreateMemory(ctx context.Context, m Memory) error {
	tags, err := encodeTags(m.UserTags)
	if err != nil {
		return err
	}
	status := m.ProcessingStatus
	if status == "" {
		status = StatusPending
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_records (id, user_id, image_uuid, blob_ref, original_filename, content_type, file_size,
			processing_status, user_tags, user_notes, is_private, is_favorite, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.ImageUUID, m.BlobRef, m.OriginalFilename, m.ContentType, m.FileSize,
		string(status), tags, m.UserNotes, m.IsPrivate, m.IsFavorite, formatTime(m.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting memory %s: %w", m.ID, err)
	}
	return nil
}

// GetMemory returns a record by id regardless of owner.
func (s *Store) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	return m, err
}

// GetMemoryForUser returns a record only if it belongs to userID.
func (s *Store) GetMemoryForUser(ctx context.Context, userID, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE id = ? AND user_id = ?`, id, userID)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	return m, err
}

// GetMemoryByImageUUID looks a record up by its image uuid.
func (s *Store) GetMemoryByImageUUID(ctx context.Context, imageUUID string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE image_uuid = ?`, imageUUID)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return Memory{}, ErrNotFound
	}
	return m, err
}

// ListMemories returns a user's records, newest first.
func (s *Store) ListMemories(ctx context.Context, userID string, limit, offset int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_records
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// GetMemoriesByVectorIDs resolves index positions to the records that own them.
// Positions with no owning record are absent from the result.
func (s *Store) GetMemoriesByVectorIDs(ctx context.Context, positions []int) (map[int]Memory, error) {
	if len(positions) == 0 {
		return map[int]Memory{}, nil
	}
	args := make([]any, len(positions))
	for i, p := range positions {
		args[i] = p
	}
	query := `SELECT ` + memoryColumns + ` FROM memory_records
		WHERE vector_index_id IN (?` + strings.Repeat(",?", len(positions)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying by vector ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int]Memory, len(positions))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out[*m.VectorIndexID] = m
	}
	return out, rows.Err()
}

// MarkProcessing moves a record into the processing state.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memory_records SET processing_status = ?, processing_error = '', updated_at = ? WHERE id = ?`,
		string(StatusProcessing), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking memory %s processing: %w", id, err)
	}
	return expectOneRow(res)
}

// CompleteProcessing records pipeline results. It refuses to overwrite an
// existing vector_index_id.
func (s *Store) CompleteProcessing(ctx context.Context, id string, c Completion) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_records SET
			ai_description = ?, embedding_model = ?, embedding_dimension = ?, vector_index_id = ?,
			processing_status = ?, processing_error = '', processed_at = ?, updated_at = ?
		WHERE id = ? AND vector_index_id IS NULL`,
		c.Description, c.EmbeddingModel, c.EmbeddingDimension, c.VectorIndexID,
		string(StatusCompleted), formatTime(c.ProcessedAt), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("completing memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetMemory(ctx, id); err != nil {
		return err
	}
	return ErrVectorAssigned
}

// FailProcessing marks a record failed with the given reason.
func (s *Store) FailProcessing(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memory_records SET processing_status = ?, processing_error = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failing memory %s: %w", id, err)
	}
	return expectOneRow(res)
}

// UpdateMemory applies user edits to a record owned by userID.
func (s *Store) UpdateMemory(ctx context.Context, userID, id string, u MemoryUpdate) (Memory, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}
	if u.UserTags != nil {
		tags, err := encodeTags(*u.UserTags)
		if err != nil {
			return Memory{}, err
		}
		sets = append(sets, "user_tags = ?")
		args = append(args, tags)
	}
	if u.UserNotes != nil {
		sets = append(sets, "user_notes = ?")
		args = append(args, *u.UserNotes)
	}
	if u.IsPrivate != nil {
		sets = append(sets, "is_private = ?")
		args = append(args, *u.IsPrivate)
	}
	if u.IsFavorite != nil {
		sets = append(sets, "is_favorite = ?")
		args = append(args, *u.IsFavorite)
	}
	args = append(args, id, userID)

	res, err := s.db.ExecContext(ctx, `UPDATE memory_records SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
	if err != nil {
		return Memory{}, fmt.Errorf("updating memory %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return Memory{}, err
	}
	return s.GetMemoryForUser(ctx, userID, id)
}

// DeleteMemory removes a record owned by userID. The caller is responsible
// for the blob; the index keeps the vector.
func (s *Store) DeleteMemory(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting memory %s: %w", id, err)
	}
	return expectOneRow(res)
}

// Stats aggregates a user's records by status.
func (s *Store) Stats(ctx context.Context, userID string) (MemoryStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT processing_status, COUNT(*), COALESCE(SUM(file_size), 0)
		FROM memory_records WHERE user_id = ? GROUP BY processing_status`, userID)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var st MemoryStats
	for rows.Next() {
		var status string
		var count int
		var size int64
		if err := rows.Scan(&status, &count, &size); err != nil {
			return MemoryStats{}, err
		}
		st.TotalMemories += count
		st.TotalSizeBytes += size
		switch ProcessingStatus(status) {
		case StatusPending:
			st.ProcessingPending = count
		case StatusProcessing:
			st.ProcessingActive = count
		case StatusCompleted:
			st.ProcessingCompleted = count
		case StatusFailed:
			st.ProcessingFailed = count
		}
	}
	return st, rows.Err()
}

// ReferencedVectorIDs returns every index position currently owned by a record.
func (s *Store) ReferencedVectorIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vector_index_id FROM memory_records WHERE vector_index_id IS NOT NULL ORDER BY vector_index_id`)
	if err != nil {
		return nil, fmt.Errorf("querying vector ids: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStuck returns records that have sat in status since before cutoff.
func (s *Store) ListStuck(ctx context.Context, status ProcessingStatus, cutoff time.Time) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_records
		WHERE processing_status = ? AND updated_at < ? ORDER BY updated_at ASC`, string(status), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("listing stuck memories: %w", err)
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
