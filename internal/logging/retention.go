package logging

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sweep reports what one retention pass removed.
type Sweep struct {
	Files int
	Bytes int64
	Dirs  int
}

// Retention deletes transcripts older than a fixed age.
type Retention struct {
	dir    string
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRetention keeps transcripts under dir for days days. A non-positive
// days keeps them forever.
func NewRetention(dir string, days int, logger *zap.Logger) *Retention {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{
		dir:    dir,
		maxAge: time.Duration(days) * 24 * time.Hour,
		logger: logger,
		now:    time.Now,
	}
}

// Sweep removes expired transcripts, then the directories they leave empty.
// Entries that cannot be read or removed are skipped. A missing directory
// is an empty sweep.
func (r *Retention) Sweep() (Sweep, error) {
	var res Sweep
	if r.maxAge <= 0 {
		return res, nil
	}
	cutoff := r.now().Add(-r.maxAge)

	var dirs []string
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return nil
		case d.IsDir():
			if path != r.dir {
				dirs = append(dirs, path)
			}
			return nil
		case filepath.Ext(path) != transcriptExt:
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			res.Files++
			res.Bytes += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}

	// Deepest first, so a parent emptied by its last child goes too.
	slices.SortFunc(dirs, func(a, b string) int {
		return strings.Count(b, string(filepath.Separator)) - strings.Count(a, string(filepath.Separator))
	})
	for _, dir := range dirs {
		if os.Remove(dir) == nil {
			res.Dirs++
		}
	}
	return res, err
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.sweep()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Retention) sweep() {
	res, err := r.Sweep()
	if err != nil {
		r.logger.Warn("transcript retention", zap.Error(err))
		return
	}
	if res.Files > 0 {
		r.logger.Info("removed expired transcripts", zap.Int("files", res.Files), zap.Int64("bytes", res.Bytes), zap.Int("dirs", res.Dirs))
	}
}
