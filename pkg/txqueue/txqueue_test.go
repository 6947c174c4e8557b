package txqueue_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/txqueue/pkg/txqueue"
)

type order struct {
	ID    int
	Items []string
}

func init() {
	gob.Register(order{})
}

func startManager(t *testing.T, dir string, opts *txqueue.Options) *txqueue.Manager {
	t.Helper()
	m, err := txqueue.New(dir, opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Dispose() })
	return m
}

func TestBasicOperations(t *testing.T) {
	m := startManager(t, t.TempDir(), nil)
	s, err := m.Session()
	require.NoError(t, err)
	q, err := s.GetQueue("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", q.Name())

	ctx := context.Background()
	require.NoError(t, q.Put(ctx, "hello"))
	require.NoError(t, q.Put(ctx, order{ID: 7, Items: []string{"a", "b"}}))

	head, ok, err := q.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", head)

	item, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", item)

	item, ok, err = q.Poll(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, order{ID: 7, Items: []string{"a", "b"}}, item)

	_, ok, err = q.Poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactions(t *testing.T) {
	opts := txqueue.DefaultOptions()
	opts.DefaultConfiguration = txqueue.Configuration{Persistent: true}
	dir := t.TempDir()
	m := startManager(t, dir, opts)

	s, err := m.Session()
	require.NoError(t, err)
	q, err := s.GetQueue("orders")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Begin())
	require.NoError(t, q.Put(ctx, "String1"))
	require.NoError(t, s.Rollback())

	require.NoError(t, s.Begin())
	require.NoError(t, q.Put(ctx, "String2"))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, m.Dispose())

	m2 := startManager(t, dir, opts)
	s2, err := m2.Session()
	require.NoError(t, err)
	q2, err := s2.GetQueue("orders")
	require.NoError(t, err)

	n, err := q2.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	item, err := q2.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "String2", item)
}

func TestQueueConfigurations(t *testing.T) {
	opts := txqueue.DefaultOptions()
	opts.Queues = map[string]txqueue.Configuration{"bounded": {Capacity: 1}}
	m := startManager(t, t.TempDir(), opts)

	s, err := m.Session()
	require.NoError(t, err)
	q, err := s.GetQueue("bounded")
	require.NoError(t, err)

	ok, err := q.Offer(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Offer(context.Background(), "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Capacity)
	assert.Equal(t, 1, stats[0].Size)

	assert.ErrorIs(t, m.SetQueueConfiguration("bounded", txqueue.Configuration{}), txqueue.ErrQueueInUse)
}

func TestSerializers(t *testing.T) {
	tests := []struct {
		name string
		ser  txqueue.Serializer
		in   any
		want any
	}{
		{"gob string", txqueue.GobSerializer{}, "x", "x"},
		{"gob int", txqueue.GobSerializer{}, 42, 42},
		{"bytes", txqueue.BytesSerializer{}, []byte("raw"), []byte("raw")},
		{"bytes from string", txqueue.BytesSerializer{}, "raw", []byte("raw")},
		{"json object", txqueue.JSONSerializer{}, map[string]any{"id": 1}, map[string]any{"id": float64(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.ser.Marshal(tt.in)
			require.NoError(t, err)
			got, err := tt.ser.Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := txqueue.BytesSerializer{}.Marshal(3)
	assert.Error(t, err)
}

func TestSerializerErrorsSurface(t *testing.T) {
	opts := txqueue.DefaultOptions()
	opts.Serializer = txqueue.BytesSerializer{}
	m := startManager(t, t.TempDir(), opts)

	s, err := m.Session()
	require.NoError(t, err)
	q, err := s.GetQueue("raw")
	require.NoError(t, err)

	err = q.Put(context.Background(), 12)
	assert.ErrorContains(t, err, `queue "raw"`)
}

func TestZapLogger(t *testing.T) {
	var buf bytes.Buffer
	opts := txqueue.DefaultOptions()
	opts.Logger = txqueue.NewZapLogger("info", &buf)

	m := startManager(t, t.TempDir(), opts)
	require.NoError(t, m.Stop(txqueue.ShutdownNormal))
	assert.Contains(t, buf.String(), "queue manager started")
	assert.Contains(t, buf.String(), "queue manager stopped")
}

func TestOptionsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "txqueue.yaml")
	yaml := strings.Join([]string{
		"working_directory: " + filepath.Join(dir, "data"),
		"max_file_size: 4096",
		"queues:",
		"  - name: orders",
		"    capacity: 3",
		"    persistent: true",
		"  - name: jms.Orders",
		"    capacity: 5",
		"    persistent: true",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	workDir, opts, err := txqueue.OptionsFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data"), workDir)
	assert.Equal(t, int64(4096), opts.MaxFileSize)
	assert.Equal(t, txqueue.Configuration{Capacity: 3, Persistent: true}, opts.Queues["orders"])
	assert.Equal(t, txqueue.Configuration{Capacity: 5, Persistent: true}, opts.Queues["jms.Orders"])

	m := startManager(t, workDir, opts)
	names, err := m.QueueNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"jms.Orders", "orders"}, names)
}
