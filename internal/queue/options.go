package queue

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vnykmshr/txqueue/internal/config"
	"github.com/vnykmshr/txqueue/internal/journal"
	"github.com/vnykmshr/txqueue/internal/logging"
	"github.com/vnykmshr/txqueue/internal/metrics"
)

// Configuration is the per-queue configuration.
type Configuration struct {
	// Capacity bounds the number of items, 0 = unbounded
	Capacity int

	// Persistent selects the dual-file store instead of memory
	Persistent bool
}

// ShutdownMode selects how Stop treats in-flight work.
type ShutdownMode int

const (
	// ShutdownNormal waits for running operations, rolls back open
	// transactions and closes every store cleanly.
	ShutdownNormal ShutdownMode = iota

	// ShutdownForced releases files without writing control state or
	// compacting the journal, as an abnormal exit would.
	ShutdownForced
)

// String returns the string representation of the shutdown mode.
func (m ShutdownMode) String() string {
	switch m {
	case ShutdownNormal:
		return "normal"
	case ShutdownForced:
		return "forced"
	default:
		return "unknown"
	}
}

// Options configures a Manager.
type Options struct {
	// WorkingDirectory is the root for queue files and the journal
	WorkingDirectory string

	// MaxFileSize is the data file rotation threshold in bytes.
	// Defaults to TXQUEUE_MAX_FILE_SIZE or 64 MB.
	MaxFileSize int64

	// SyncWrites fsyncs every direct append to a persistent queue.
	// Commits always sync before they return.
	SyncWrites bool

	// MaxItemSize rejects larger serialized items, 0 = unlimited
	MaxItemSize int64

	// MinFreeDiskSpace rejects appends to persistent queues when the working
	// directory has less free space, 0 = unchecked
	MinFreeDiskSpace int64

	// JournalCompactThreshold is the journal size above which it is
	// truncated once no committed transaction is outstanding
	JournalCompactThreshold int64

	// ApplyRetries bounds retries of a failed store mutation during commit
	ApplyRetries uint64

	// ApplyRetryBase is the first Fibonacci backoff step between retries
	ApplyRetryBase time.Duration

	// DefaultConfiguration applies to queues without their own
	DefaultConfiguration Configuration

	// Journal overrides the file journal in WorkingDirectory (optional)
	Journal journal.Journal

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger

	// MetricsCollector for collecting queue metrics (nil = no metrics)
	MetricsCollector metrics.Recorder
}

// DefaultOptions returns sensible defaults for a manager rooted at dir.
func DefaultOptions(dir string) *Options {
	return &Options{
		WorkingDirectory:        dir,
		MaxFileSize:             config.MaxFileSize(),
		SyncWrites:              true,
		MaxItemSize:             0,                       // No size limit by default
		MinFreeDiskSpace:        0,                       // No disk space check by default
		JournalCompactThreshold: 4 * 1024 * 1024,         // 4 MB
		ApplyRetries:            3,                       // 3 retries before a commit fails
		ApplyRetryBase:          10 * time.Millisecond,   // First backoff step
		Logger:                  logging.NoopLogger{},    // No logging by default
		MetricsCollector:        metrics.NoopCollector{}, // No metrics by default
	}
}

// Validate checks if the options are valid and safe to use.
func (o *Options) Validate() error {
	if o.WorkingDirectory == "" {
		return fmt.Errorf("working directory path cannot be empty")
	}
	if _, err := validatePath(o.WorkingDirectory, "working directory"); err != nil {
		return err
	}

	if o.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive")
	}
	if o.MaxItemSize < 0 {
		return fmt.Errorf("max item size cannot be negative")
	}
	if o.MinFreeDiskSpace < 0 {
		return fmt.Errorf("min free disk space cannot be negative")
	}
	if o.JournalCompactThreshold < 0 {
		return fmt.Errorf("journal compact threshold cannot be negative")
	}
	if o.ApplyRetryBase <= 0 {
		return fmt.Errorf("apply retry base must be positive")
	}
	return validateConfiguration(o.DefaultConfiguration)
}

func validateConfiguration(cfg Configuration) error {
	if cfg.Capacity < 0 {
		return fmt.Errorf("queue capacity cannot be negative: %d", cfg.Capacity)
	}
	return nil
}

// validatePath rejects traversal and returns the cleaned absolute path.
func validatePath(path, pathType string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed in %s: %s", pathType, path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path for %s: %w", pathType, err)
	}
	return filepath.Clean(absPath), nil
}
