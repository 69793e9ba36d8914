package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const transcriptExt = ".log"

// Entry identifies the run a transcript belongs to.
type Entry struct {
	RunID     string
	RepoOwner string
	RepoName  string
	Issue     int
	Kind      string
	Timestamp time.Time
}

// Writer manages transcript files organized by repository and issue.
type Writer struct {
	baseDir string
}

// NewWriter creates a new Writer with the specified base directory.
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: baseDir}
}

// Path returns where the transcript for entry is written.
// Directory structure: baseDir/owner/repo/issue/timestamp-kind-runID.log
func (w *Writer) Path(entry Entry) string {
	filename := fmt.Sprintf("%s-%s-%s%s",
		entry.Timestamp.UTC().Format("2006-01-02T15-04-05"),
		entry.Kind,
		entry.RunID,
		transcriptExt,
	)
	return filepath.Join(w.baseDir, entry.RepoOwner, entry.RepoName, fmt.Sprint(entry.Issue), filename)
}

// Open creates the transcript file for entry.
func (w *Writer) Open(entry Entry) (*Transcript, error) {
	path := w.Path(entry)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	return &Transcript{path: path, file: f}, nil
}

// Transcript is an append-only log of one run.
type Transcript struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Path returns the transcript file path.
func (t *Transcript) Path() string { return t.path }

// Write appends p to the transcript. It is safe for concurrent use.
func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Write(p)
}

// Sync flushes the file.
func (t *Transcript) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Sync()
}

// Tee returns a logger that writes to base and, as JSON, to the transcript.
func (t *Transcript) Tee(base *zap.Logger) *zap.Logger {
	fileCore := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(t), zapcore.DebugLevel)
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
}

// Close closes the transcript file.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}
