package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrChecksumMismatch is returned when a rotated segment no longer matches
// its recorded checksum.
var ErrChecksumMismatch = errors.New("segment checksum mismatch")

const (
	segmentPattern = "audit-*.log"
	checksumSuffix = ".sha256"
)

// Archiver copies a rotated segment to long-term storage before it is
// removed locally.
type Archiver interface {
	Archive(ctx context.Context, localPath string) (string, error)
}

// segmentWriter appends JSON lines to the active segment file and rotates it
// by size. Callers hold the ledger mutex for every method except cleanup.
type segmentWriter struct {
	dir         string
	maxSize     int64
	maxSegments int
	archiver    Archiver
	logger      *slog.Logger

	file *os.File
	path string
	size int64

	cleanupMu sync.Mutex
	wg        sync.WaitGroup
}

func segmentName(firstSequence uint64) string {
	return fmt.Sprintf("audit-%012d.log", firstSequence)
}

func newSegmentWriter(dir string, maxSize int64, maxSegments int, archiver Archiver, logger *slog.Logger) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit segment directory: %w", err)
	}
	w := &segmentWriter{
		dir:         dir,
		maxSize:     maxSize,
		maxSegments: maxSegments,
		archiver:    archiver,
		logger:      logger,
	}

	segments, err := w.segments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		if err := w.open(segments[len(segments)-1]); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// segments lists segment files oldest first.
func (w *segmentWriter) segments() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(w.dir, segmentPattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (w *segmentWriter) open(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit segment: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.path = path
	w.size = stat.Size()
	return nil
}

// append writes one line for the entry with the given sequence. On a failed
// write the segment is truncated back to its previous length.
func (w *segmentWriter) append(sequence uint64, line []byte) error {
	if w.file == nil {
		if err := w.open(filepath.Join(w.dir, segmentName(sequence))); err != nil {
			return err
		}
	} else if w.maxSize > 0 && w.size >= w.maxSize {
		if err := w.rotate(sequence); err != nil {
			return fmt.Errorf("failed to rotate audit segment: %w", err)
		}
	}

	n, err := w.file.Write(line)
	if err != nil {
		if n > 0 {
			if terr := w.file.Truncate(w.size); terr != nil {
				w.logger.Error("failed to truncate partial audit line", "path", w.path, "error", terr)
			}
		}
		return fmt.Errorf("failed to write audit segment: %w", err)
	}
	w.size += int64(n)
	return nil
}

func (w *segmentWriter) rotate(nextSequence uint64) error {
	rotated := w.path
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("failed to sync audit segment before rotation", "error", err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	if err := writeChecksum(rotated); err != nil {
		w.logger.Warn("failed to write segment checksum", "path", rotated, "error", err)
	}
	if err := w.open(filepath.Join(w.dir, segmentName(nextSequence))); err != nil {
		return err
	}

	w.logger.Info("rotated audit segment",
		"rotated", filepath.Base(rotated),
		"active", filepath.Base(w.path))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.cleanup(context.Background())
	}()
	return nil
}

// cleanup archives and removes the oldest segments beyond maxSegments. A
// segment that fails to archive is kept.
func (w *segmentWriter) cleanup(ctx context.Context) {
	if w.maxSegments <= 0 {
		return
	}
	w.cleanupMu.Lock()
	defer w.cleanupMu.Unlock()

	files, err := w.segments()
	if err != nil || len(files) <= w.maxSegments {
		return
	}

	for _, f := range files[:len(files)-w.maxSegments] {
		if w.archiver != nil {
			loc, err := w.archiver.Archive(ctx, f)
			if err != nil {
				w.logger.Error("failed to archive audit segment; keeping local copy", "path", filepath.Base(f), "error", err)
				continue
			}
			w.logger.Info("archived audit segment", "path", filepath.Base(f), "location", loc)
		}
		if err := os.Remove(f); err != nil {
			w.logger.Warn("failed to remove audit segment", "path", filepath.Base(f), "error", err)
			continue
		}
		os.Remove(f + checksumSuffix)
	}
}

func (w *segmentWriter) sync() error {
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *segmentWriter) close() error {
	w.wg.Wait()
	if w.file == nil {
		return nil
	}
	w.file.Sync()
	err := w.file.Close()
	w.file = nil
	return err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeChecksum(path string) error {
	sum, err := fileChecksum(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+checksumSuffix, []byte(sum), 0400)
}

// SegmentStatus is the checksum verification result for one rotated segment.
type SegmentStatus struct {
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// verify checks every segment that has a checksum file. The active segment
// has none and is skipped.
func (w *segmentWriter) verify(ctx context.Context) ([]SegmentStatus, error) {
	files, err := w.segments()
	if err != nil {
		return nil, err
	}

	var out []SegmentStatus
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		expected, err := os.ReadFile(f + checksumSuffix)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		status := SegmentStatus{Name: filepath.Base(f)}
		if err != nil {
			status.Error = err.Error()
			out = append(out, status)
			continue
		}
		actual, err := fileChecksum(f)
		switch {
		case err != nil:
			status.Error = err.Error()
		case strings.TrimSpace(string(expected)) != actual:
			status.Error = ErrChecksumMismatch.Error()
		default:
			status.Valid = true
		}
		out = append(out, status)
	}
	return out, nil
}
