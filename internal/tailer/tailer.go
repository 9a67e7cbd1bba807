// Package tailer follows a growing source log line by line and remembers
// how far it got.
//
// The position is kept as an inode and byte offset in a checkpoint file so
// that a restart resumes where the last fully processed line ended. When the
// inode changes (rotation) or the file shrinks below the offset (truncation)
// the tailer logs a warning, reports the event and starts again at offset 0
// of the current file. Lines without a trailing newline are held back until
// the writer completes them.
package tailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmerrifield20/cdrledger/internal/atomicfile"
	"go.uber.org/zap"
)

// Rotation reasons reported in RotationEvent.
const (
	ReasonRotated   = "rotated"
	ReasonTruncated = "truncated"
)

// Checkpoint is a position in the source log.
type Checkpoint struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// Line is one complete line of the source log.
type Line struct {
	Text string
	// Checkpoint is the position just past this line. Commit it once the
	// line has been handled.
	Checkpoint Checkpoint
}

// RotationEvent describes a detected rotation or truncation.
type RotationEvent struct {
	Path     string
	Reason   string
	Previous Checkpoint
	// Dropped is the number of bytes of an unterminated trailing line that
	// were abandoned in the previous file.
	Dropped int
}

// Config controls a Tailer.
type Config struct {
	Path           string
	CheckpointPath string        // empty disables persistence
	PollInterval   time.Duration // upper bound on the wait between reads; default 1s
	FromStart      bool          // with no checkpoint, read the existing file instead of seeking to its end
}

// Tailer follows one file. Run must not be called concurrently.
type Tailer struct {
	cfg      Config
	logger   *zap.Logger
	onRotate func(RotationEvent)

	mu            sync.Mutex
	committed     Checkpoint
	hasCheckpoint bool
	badCheckpoint bool
}

// New creates a Tailer and loads its checkpoint, if any.
func New(cfg Config, logger *zap.Logger) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, errors.New("tailer: source path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	cfg.Path = filepath.Clean(cfg.Path)

	t := &Tailer{cfg: cfg, logger: logger}
	if cfg.CheckpointPath != "" {
		cp, ok, err := loadCheckpoint(cfg.CheckpointPath)
		switch {
		case err != nil:
			// Duplicates are skipped downstream by fingerprint.
			logger.Warn("tailer: checkpoint unreadable; rereading source from the start",
				zap.String("checkpoint", cfg.CheckpointPath),
				zap.Error(err),
			)
			t.badCheckpoint = true
		case ok:
			t.committed = cp
			t.hasCheckpoint = true
		}
	}
	return t, nil
}

// SetRotationHook configures a callback invoked on rotation or truncation.
func (t *Tailer) SetRotationHook(fn func(RotationEvent)) {
	t.onRotate = fn
}

// Committed returns the last committed position.
func (t *Tailer) Committed() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Commit records cp as fully processed and persists it.
func (t *Tailer) Commit(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = cp
	t.hasCheckpoint = true
	if t.cfg.CheckpointPath == "" {
		return nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := atomicfile.WriteFile(t.cfg.CheckpointPath, data, 0o644); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// Run tails the file and sends each complete, non-blank line on out until
// ctx is done. It returns ctx.Err() on cancellation and a non-nil error
// only for unrecoverable read failures.
func (t *Tailer) Run(ctx context.Context, out chan<- Line) error {
	events, errs, stopWatch := t.watch()
	defer stopWatch()

	f, info, err := t.open(ctx, events, errs)
	if err != nil {
		return err
	}
	defer func() { f.Close() }()

	inode := inodeOf(info)
	pos := t.startOffset(inode, info.Size())
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("tailer: seek %s: %w", t.cfg.Path, err)
	}

	t.logger.Info("tailing source",
		zap.String("path", t.cfg.Path),
		zap.Uint64("inode", inode),
		zap.Int64("offset", pos),
	)

	var partial []byte
	buf := make([]byte, 32*1024)

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				text := strings.TrimRight(string(partial[:i]), "\r")
				pos += int64(i + 1)
				partial = partial[i+1:]
				if strings.TrimSpace(text) == "" {
					continue
				}
				select {
				case out <- Line{Text: text, Checkpoint: Checkpoint{Inode: inode, Offset: pos}}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			partial = append([]byte(nil), partial...)
			continue
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return fmt.Errorf("tailer: read %s: %w", t.cfg.Path, rerr)
		}

		reason, next, nextInfo := t.detectRotation(f, inode, pos+int64(len(partial)))
		if reason != "" {
			t.report(RotationEvent{
				Path:     t.cfg.Path,
				Reason:   reason,
				Previous: Checkpoint{Inode: inode, Offset: pos},
				Dropped:  len(partial),
			})
			if next != nil {
				f.Close()
				f = next
				inode = inodeOf(nextInfo)
			} else if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("tailer: seek %s: %w", t.cfg.Path, err)
			}
			pos = 0
			partial = nil
			continue
		}

		if err := t.wait(ctx, events, errs); err != nil {
			return err
		}
	}
}

// startOffset decides where reading begins in the file identified by inode.
func (t *Tailer) startOffset(inode uint64, size int64) int64 {
	t.mu.Lock()
	cp, has, bad := t.committed, t.hasCheckpoint, t.badCheckpoint
	t.mu.Unlock()

	switch {
	case bad:
		return 0
	case has:
		sameFile := cp.Inode == 0 || inode == 0 || cp.Inode == inode
		if sameFile && cp.Offset <= size {
			return cp.Offset
		}
		reason := ReasonRotated
		if sameFile {
			reason = ReasonTruncated
		}
		t.report(RotationEvent{Path: t.cfg.Path, Reason: reason, Previous: cp})
		return 0
	case t.cfg.FromStart:
		return 0
	default:
		if err := t.Commit(Checkpoint{Inode: inode, Offset: size}); err != nil {
			t.logger.Warn("tailer: persist initial checkpoint", zap.Error(err))
		}
		return size
	}
}

// detectRotation checks the path against the open file. It returns the
// reason and, for a rotation, the newly opened file.
func (t *Tailer) detectRotation(f *os.File, inode uint64, readPos int64) (string, *os.File, os.FileInfo) {
	st, err := os.Stat(t.cfg.Path)
	if err != nil {
		// Renamed away and not yet recreated; keep the old handle.
		return "", nil, nil
	}
	if cur := inodeOf(st); cur != 0 && inode != 0 && cur != inode {
		next, err := os.Open(t.cfg.Path)
		if err != nil {
			return "", nil, nil
		}
		info, err := next.Stat()
		if err != nil {
			next.Close()
			return "", nil, nil
		}
		return ReasonRotated, next, info
	}
	if st.Size() < readPos {
		return ReasonTruncated, nil, nil
	}
	return "", nil, nil
}

func (t *Tailer) report(ev RotationEvent) {
	t.logger.Warn("source log rotated or truncated; restarting at offset 0",
		zap.String("path", ev.Path),
		zap.String("reason", ev.Reason),
		zap.Uint64("prev_inode", ev.Previous.Inode),
		zap.Int64("prev_offset", ev.Previous.Offset),
		zap.Int("dropped_bytes", ev.Dropped),
	)
	if t.onRotate != nil {
		t.onRotate(ev)
	}
}

// open waits for the source file to exist.
func (t *Tailer) open(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) (*os.File, os.FileInfo, error) {
	logged := false
	for {
		f, err := os.Open(t.cfg.Path)
		if err == nil {
			info, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, nil, fmt.Errorf("tailer: stat %s: %w", t.cfg.Path, err)
			}
			return f, info, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("tailer: open %s: %w", t.cfg.Path, err)
		}
		if !logged {
			t.logger.Info("waiting for source log to appear", zap.String("path", t.cfg.Path))
			logged = true
		}
		if err := t.wait(ctx, events, errs); err != nil {
			return nil, nil, err
		}
	}
}

// watch subscribes to changes in the source's directory. Without a watcher
// the tailer still polls.
func (t *Tailer) watch() (<-chan fsnotify.Event, <-chan error, func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("tailer: fsnotify unavailable; polling only", zap.Error(err))
		return nil, nil, func() {}
	}
	if err := w.Add(filepath.Dir(t.cfg.Path)); err != nil {
		t.logger.Warn("tailer: watch directory; polling only", zap.Error(err))
		w.Close()
		return nil, nil, func() {}
	}
	return w.Events, w.Errors, func() { w.Close() }
}

// wait blocks until the source changes, the poll interval elapses, or ctx
// is done.
func (t *Tailer) wait(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == t.cfg.Path {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.logger.Debug("tailer: watcher error", zap.Error(err))
		}
	}
}

func loadCheckpoint(path string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, err
	}
	if cp.Offset < 0 {
		return Checkpoint{}, false, fmt.Errorf("negative offset %d", cp.Offset)
	}
	return cp, true, nil
}
