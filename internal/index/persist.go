package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
)

var fileMagic = [8]byte{'E', 'Y', 'E', 'I', 'D', 'X', '0', '1'}

type fileHeader struct {
	Magic [8]byte
	Dim   uint32
	Count uint64
}

// Open loads the index stored at path for writing, or creates an empty one
// if the file does not exist yet. It takes an exclusive lock on path+".lock"
// and fails with ErrLocked while another writer holds it. A stored dimension
// different from dim is an error. Call Close to release the lock.
func Open(path string, dim int) (*Index, error) {
	ix, err := New(dim)
	if err != nil {
		return nil, err
	}
	ix.path = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking index: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	ix.lock = lock

	if err := ix.load(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return ix, nil
}

// OpenReadOnly loads the index stored at path without taking the writer
// lock. A missing file yields an empty index. Append and Pad fail with
// ErrReadOnly and Persist does nothing.
func OpenReadOnly(path string, dim int) (*Index, error) {
	ix, err := New(dim)
	if err != nil {
		return nil, err
	}
	ix.path = path
	ix.readOnly = true
	if err := ix.load(); err != nil {
		return nil, err
	}
	return ix, nil
}

// load reads the snapshot at ix.path into an index that nobody else uses yet.
func (ix *Index) load() error {
	data, info, err := readFile(ix.path, ix.dim)
	if err != nil {
		return err
	}
	ix.data = data
	ix.saved = len(data) / ix.dim
	if info != nil {
		ix.fileMod, ix.fileSize = info.ModTime(), info.Size()
	}
	return nil
}

// readFile returns nil data and info when path does not exist.
func readFile(path string, dim int) ([]float32, os.FileInfo, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("opening index file: %w", err)
	}
	data, err := readSnapshot(f, dim)
	if err != nil {
		return nil, nil, fmt.Errorf("loading index %s: %w", path, err)
	}
	return data, info, nil
}

// Reload picks up a newer snapshot written by the writer process and returns
// the number of vectors gained. It only applies to read-only indexes; a
// snapshot smaller than what is already loaded is rejected.
func (ix *Index) Reload() (int, error) {
	if !ix.readOnly || ix.path == "" {
		return 0, nil
	}
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()

	info, err := os.Stat(ix.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checking index file: %w", err)
	}
	if info.ModTime().Equal(ix.fileMod) && info.Size() == ix.fileSize {
		return 0, nil
	}

	data, info, err := readFile(ix.path, ix.dim)
	if err != nil {
		return 0, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	have := len(ix.data) / ix.dim
	got := len(data) / ix.dim
	if got < have {
		return 0, fmt.Errorf("index file %s holds %d vectors, %d already loaded", ix.path, got, have)
	}
	ix.data = data
	ix.saved = got
	if info != nil {
		ix.fileMod, ix.fileSize = info.ModTime(), info.Size()
	}
	return got - have, nil
}

// Path returns the backing file, or "" for an in-memory index.
func (ix *Index) Path() string {
	return ix.path
}

// Close releases the writer lock. The index stays usable in memory but must
// not be persisted afterwards.
func (ix *Index) Close() error {
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()
	if ix.lock == nil {
		return nil
	}
	err := ix.lock.Unlock()
	ix.lock = nil
	ix.path = ""
	return err
}

// Persist writes the current contents to the backing file. The snapshot is
// written to a temporary file and renamed into place, so a crash leaves
// either the previous or the new snapshot. Nothing is written when the index
// is read-only, has no backing file, or has not grown since the last snapshot.
func (ix *Index) Persist() error {
	if ix.readOnly {
		return nil
	}
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()
	if ix.path == "" {
		return nil
	}

	// Appends never touch existing elements, so the prefix stays valid after
	// the read lock is released.
	ix.mu.RLock()
	snap := ix.data[:len(ix.data):len(ix.data)]
	ix.mu.RUnlock()
	count := len(snap) / ix.dim
	if count == ix.saved {
		return nil
	}

	tmp := ix.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating index snapshot: %w", err)
	}
	if err := writeSnapshot(f, ix.dim, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing index snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing index snapshot: %w", err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		return fmt.Errorf("replacing index file: %w", err)
	}
	ix.saved = count
	return nil
}

func writeSnapshot(w io.Writer, dim int, data []float32) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	bw := bufio.NewWriter(enc)

	hdr := fileHeader{Magic: fileMagic, Dim: uint32(dim), Count: uint64(len(data) / dim)}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		enc.Close()
		return fmt.Errorf("writing index header: %w", err)
	}
	var buf [4]byte
	for _, f := range data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		if _, err := bw.Write(buf[:]); err != nil {
			enc.Close()
			return fmt.Errorf("writing index data: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return fmt.Errorf("flushing index data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing zstd encoder: %w", err)
	}
	return nil
}

func readSnapshot(r io.Reader, dim int) ([]float32, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	var hdr fileHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if hdr.Magic != fileMagic {
		return nil, fmt.Errorf("not an index file")
	}
	if int(hdr.Dim) != dim {
		return nil, fmt.Errorf("%w: file has %d, configured %d", ErrDimensionMismatch, hdr.Dim, dim)
	}

	n := int(hdr.Count) * dim
	data := make([]float32, n)
	var buf [4]byte
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("reading vector data (truncated at %d of %d floats): %w", i, n, err)
		}
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
	}
	return data, nil
}
