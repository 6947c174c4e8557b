// Package txqueue provides transactional, optionally persistent, named queues.
//
// A Manager owns the queues of one working directory. Sessions obtained from
// it hand out Queue handles and run local transactions: offers and takes made
// between Begin and Commit become visible together, or not at all after
// Rollback. Persistent queues survive restarts, and commits that were
// interrupted by a crash are completed on the next Start.
//
// Example usage:
//
//	m, err := txqueue.New("/var/lib/app", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := m.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Dispose()
//
//	s, _ := m.Session()
//	q, _ := s.GetQueue("orders")
//
//	_ = s.Begin()
//	_ = q.Put(ctx, "order-1")
//	if err := s.Commit(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	item, _ := q.Take(ctx)
//	fmt.Println(item) // order-1
package txqueue

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vnykmshr/txqueue/internal/config"
	"github.com/vnykmshr/txqueue/internal/logging"
	"github.com/vnykmshr/txqueue/internal/metrics"
	"github.com/vnykmshr/txqueue/internal/queue"
)

// Version is the current version of txqueue.
const Version = "0.3.0"

// Configuration is the per-queue configuration: a capacity bound (0 means
// unbounded) and whether the queue is persistent.
type Configuration = queue.Configuration

// QueueStats is a point-in-time view of one queue.
type QueueStats = queue.QueueStats

// ShutdownMode selects how Stop treats in-flight work.
type ShutdownMode = queue.ShutdownMode

const (
	// ShutdownNormal rolls back open transactions and closes stores cleanly.
	ShutdownNormal = queue.ShutdownNormal

	// ShutdownForced releases files as an abnormal exit would.
	ShutdownForced = queue.ShutdownForced
)

// Errors returned by txqueue operations.
var (
	ErrResourceManager    = queue.ErrResourceManager
	ErrInterrupted        = queue.ErrInterrupted
	ErrManagerStopped     = queue.ErrManagerStopped
	ErrManagerDisposed    = queue.ErrManagerDisposed
	ErrNoTransaction      = queue.ErrNoTransaction
	ErrTransactionActive  = queue.ErrTransactionActive
	ErrTransactionAborted = queue.ErrTransactionAborted
	ErrSessionClosed      = queue.ErrSessionClosed
	ErrQueueDisposed      = queue.ErrQueueDisposed
	ErrQueueInUse         = queue.ErrQueueInUse
	ErrItemTooLarge       = queue.ErrItemTooLarge
	ErrInsufficientSpace  = queue.ErrInsufficientSpace
	ErrCorrupted          = queue.ErrCorrupted
	ErrStoreClosed        = queue.ErrStoreClosed
)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, fields ...LogField)
	Info(msg string, fields ...LogField)
	Warn(msg string, fields ...LogField)
	Error(msg string, fields ...LogField)
}

// LogField represents a structured log field.
type LogField struct {
	Key   string
	Value interface{}
}

// MetricsCollector receives queue metrics. NewMetricsCollector returns a
// Prometheus implementation.
type MetricsCollector = metrics.Recorder

// NewMetricsCollector creates a Prometheus collector. Register it with a
// prometheus.Registerer to expose the metrics.
func NewMetricsCollector(namespace string) *metrics.Collector {
	return metrics.NewCollector(namespace)
}

// Options configures a Manager.
type Options struct {
	// MaxFileSize is the data file rotation threshold in bytes
	// Default: TXQUEUE_MAX_FILE_SIZE or 64MB
	MaxFileSize int64

	// SyncWrites fsyncs every non-transactional append to a persistent queue
	// Default: true
	SyncWrites bool

	// MaxItemSize rejects larger serialized items
	// Default: 0 (unlimited)
	MaxItemSize int64

	// MinFreeDiskSpace rejects appends to persistent queues below this many
	// free bytes in the working directory
	// Default: 0 (unchecked)
	MinFreeDiskSpace int64

	// JournalCompactThreshold is the journal size in bytes above which it is
	// truncated once nothing is outstanding
	// Default: 4MB
	JournalCompactThreshold int64

	// DefaultConfiguration applies to queues without their own
	// Default: unbounded memory queue
	DefaultConfiguration Configuration

	// Queues holds per-queue configurations applied by New
	Queues map[string]Configuration

	// Serializer converts items to and from bytes
	// Default: GobSerializer
	Serializer Serializer

	// Logger for structured logging (nil = no logging)
	Logger Logger

	// MetricsCollector for collecting queue metrics (nil = no metrics)
	MetricsCollector MetricsCollector
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxFileSize:             config.MaxFileSize(),
		SyncWrites:              true,
		JournalCompactThreshold: 4 * 1024 * 1024, // 4MB
		Serializer:              GobSerializer{},
	}
}

// OptionsFromFile loads the working directory and options from a YAML
// configuration file, overlaid by TXQUEUE_* environment variables.
func OptionsFromFile(path string) (string, *Options, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}

	opts := DefaultOptions()
	opts.MaxFileSize = cfg.MaxFileSize
	opts.SyncWrites = cfg.SyncWrites
	opts.JournalCompactThreshold = cfg.JournalCompactThreshold
	opts.DefaultConfiguration = Configuration(cfg.DefaultQueue)
	opts.Queues = make(map[string]Configuration, len(cfg.Queues))
	for _, q := range cfg.Queues {
		opts.Queues[q.Name] = Configuration{Capacity: q.Capacity, Persistent: q.Persistent}
	}
	return cfg.WorkingDirectory, opts, nil
}

// Manager owns the queues of one working directory.
type Manager struct {
	m   *queue.Manager
	ser Serializer
}

// New creates a stopped manager rooted at dir. If opts is nil, default
// options are used.
func New(dir string, opts *Options) (*Manager, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	ser := opts.Serializer
	if ser == nil {
		ser = GobSerializer{}
	}

	qopts := queue.DefaultOptions(dir)
	if opts.MaxFileSize > 0 {
		qopts.MaxFileSize = opts.MaxFileSize
	}
	qopts.SyncWrites = opts.SyncWrites
	qopts.MaxItemSize = opts.MaxItemSize
	qopts.MinFreeDiskSpace = opts.MinFreeDiskSpace
	qopts.JournalCompactThreshold = opts.JournalCompactThreshold
	qopts.DefaultConfiguration = opts.DefaultConfiguration
	qopts.Logger = convertLogger(opts.Logger)
	if opts.MetricsCollector != nil {
		qopts.MetricsCollector = opts.MetricsCollector
	}

	m, err := queue.NewManager(qopts)
	if err != nil {
		return nil, err
	}
	for name, cfg := range opts.Queues {
		if err := m.SetQueueConfiguration(name, cfg); err != nil {
			return nil, err
		}
	}
	return &Manager{m: m, ser: ser}, nil
}

// Start opens persistent queues and recovers interrupted commits.
func (m *Manager) Start(ctx context.Context) error { return m.m.Start(ctx) }

// Stop closes persistent queues and rolls back open transactions. Queue
// handles stay valid across a later Start.
func (m *Manager) Stop(mode ShutdownMode) error { return m.m.Stop(mode) }

// Dispose stops the manager for good.
func (m *Manager) Dispose() error { return m.m.Dispose() }

// Running reports whether the manager is started.
func (m *Manager) Running() bool { return m.m.Running() }

// SetQueueConfiguration sets the configuration of a queue that is not in use.
func (m *Manager) SetQueueConfiguration(name string, cfg Configuration) error {
	return m.m.SetQueueConfiguration(name, cfg)
}

// SetDefaultQueueConfiguration sets the configuration of queues without
// their own.
func (m *Manager) SetDefaultQueueConfiguration(cfg Configuration) error {
	return m.m.SetDefaultQueueConfiguration(cfg)
}

// QueueNames lists known queues, including persistent ones on disk.
func (m *Manager) QueueNames() ([]string, error) { return m.m.QueueNames() }

// Stats returns a snapshot of every queue in use.
func (m *Manager) Stats() []QueueStats { return m.m.Stats() }

// Session creates a queue session.
func (m *Manager) Session() (*Session, error) {
	s, err := m.m.GetQueueSession()
	if err != nil {
		return nil, err
	}
	return &Session{s: s, ser: m.ser}, nil
}

// Session bundles queue access with a local transaction.
type Session struct {
	s   *queue.Session
	ser Serializer
}

// GetQueue returns a handle on the named queue.
func (s *Session) GetQueue(name string) (*Queue, error) {
	q, err := s.s.GetQueue(name)
	if err != nil {
		return nil, err
	}
	return &Queue{q: q, ser: s.ser}, nil
}

// Begin opens a transaction.
func (s *Session) Begin() error { return s.s.Begin() }

// Commit applies the transaction. On error it stays open.
func (s *Session) Commit(ctx context.Context) error { return s.s.Commit(ctx) }

// Rollback discards the transaction.
func (s *Session) Rollback() error { return s.s.Rollback() }

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool { return s.s.InTransaction() }

// Close rolls back an open transaction and disposes the session's handles.
func (s *Session) Close() error { return s.s.Close() }

// Queue is a session-scoped handle on a named queue.
type Queue struct {
	q   *queue.Queue
	ser Serializer
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.q.Name() }

// Put appends item, blocking while the queue is full.
func (q *Queue) Put(ctx context.Context, item any) error {
	data, err := q.marshal(item)
	if err != nil {
		return err
	}
	return q.q.Put(ctx, data)
}

// Offer appends item, waiting up to timeout for capacity. It reports false
// on timeout.
func (q *Queue) Offer(ctx context.Context, item any, timeout time.Duration) (bool, error) {
	data, err := q.marshal(item)
	if err != nil {
		return false, err
	}
	return q.q.Offer(ctx, data, timeout)
}

// Take removes and returns the head item, blocking until one is available.
func (q *Queue) Take(ctx context.Context) (any, error) {
	data, err := q.q.Take(ctx)
	if err != nil {
		return nil, err
	}
	return q.unmarshal(data)
}

// Poll removes and returns the head item, waiting up to timeout. It reports
// false on timeout.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (any, bool, error) {
	data, ok, err := q.q.Poll(ctx, timeout)
	if err != nil || !ok {
		return nil, false, err
	}
	item, err := q.unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// Peek returns the head item without removing it.
func (q *Queue) Peek() (any, bool, error) {
	data, ok, err := q.q.Peek()
	if err != nil || !ok {
		return nil, false, err
	}
	item, err := q.unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// Size returns the number of items the session can take.
func (q *Queue) Size() (int, error) { return q.q.Size() }

// Purge removes every item no transaction holds, outside any transaction.
func (q *Queue) Purge() (int, error) { return q.q.Purge() }

// Dispose releases the handle.
func (q *Queue) Dispose() error { return q.q.Dispose() }

func (q *Queue) marshal(item any) ([]byte, error) {
	data, err := q.ser.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize item for queue %q: %w", q.q.Name(), err)
	}
	return data, nil
}

func (q *Queue) unmarshal(data []byte) (any, error) {
	item, err := q.ser.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize item from queue %q: %w", q.q.Name(), err)
	}
	return item, nil
}

// NewZapLogger returns a Logger writing JSON lines to w through zap.
// level is one of "debug", "info", "warn" or "error".
func NewZapLogger(level string, w io.Writer) Logger {
	return &zapLogger{z: logging.NewWithWriter(logging.ParseLevel(level), w)}
}

type zapLogger struct {
	z *logging.ZapLogger
}

func (l *zapLogger) Debug(msg string, fields ...LogField) { l.z.Debug(msg, toFields(fields)...) }
func (l *zapLogger) Info(msg string, fields ...LogField)  { l.z.Info(msg, toFields(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...LogField)  { l.z.Warn(msg, toFields(fields)...) }
func (l *zapLogger) Error(msg string, fields ...LogField) { l.z.Error(msg, toFields(fields)...) }

func toFields(fields []LogField) []logging.Field {
	result := make([]logging.Field, len(fields))
	for i, f := range fields {
		result[i] = logging.F(f.Key, f.Value)
	}
	return result
}

func convertLogger(l Logger) logging.Logger {
	if l == nil {
		return logging.NoopLogger{}
	}
	if zl, ok := l.(*zapLogger); ok {
		return zl.z
	}
	return &loggerAdapter{l: l}
}

// loggerAdapter adapts public Logger to internal logging.Logger
type loggerAdapter struct {
	l Logger
}

func (a *loggerAdapter) Debug(msg string, fields ...logging.Field) {
	a.l.Debug(msg, convertFields(fields)...)
}

func (a *loggerAdapter) Info(msg string, fields ...logging.Field) {
	a.l.Info(msg, convertFields(fields)...)
}

func (a *loggerAdapter) Warn(msg string, fields ...logging.Field) {
	a.l.Warn(msg, convertFields(fields)...)
}

func (a *loggerAdapter) Error(msg string, fields ...logging.Field) {
	a.l.Error(msg, convertFields(fields)...)
}

func convertFields(fields []logging.Field) []LogField {
	result := make([]LogField, len(fields))
	for i, f := range fields {
		result[i] = LogField{Key: f.Key, Value: f.Value}
	}
	return result
}
