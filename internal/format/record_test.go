package format

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_MarshalRead(t *testing.T) {
	rec := &Record{ID: 42, Item: []byte("String1")}

	data := rec.Marshal()
	assert.Len(t, data, rec.EncodedSize())

	got, err := ReadRecord(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.ID)
	assert.Equal(t, []byte("String1"), got.Item)
}

func TestRecord_EmptyItem(t *testing.T) {
	rec := &Record{ID: 7}

	got, err := ReadRecord(bytes.NewReader(rec.Marshal()))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.ID)
	assert.Empty(t, got.Item)
}

func TestReadRecord_Sequence(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		r := &Record{ID: i, Item: []byte{byte(i)}}
		buf.Write(r.Marshal())
	}

	for i := uint64(1); i <= 3; i++ {
		rec, err := ReadRecord(&buf)
		require.NoError(t, err)
		assert.Equal(t, i, rec.ID)
	}

	_, err := ReadRecord(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestReadRecord_TornTail(t *testing.T) {
	data := (&Record{ID: 1, Item: []byte("payload")}).Marshal()

	for _, cut := range []int{2, 4, 10, len(data) - 1} {
		_, err := ReadRecord(bytes.NewReader(data[:cut]))
		assert.Truef(t, errors.Is(err, ErrTornRecord), "cut=%d err=%v", cut, err)
	}
}

func TestReadRecord_ChecksumMismatch(t *testing.T) {
	data := (&Record{ID: 1, Item: []byte("payload")}).Marshal()
	data[len(data)-1] ^= 0xFF

	_, err := ReadRecord(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrTornRecord)
}

func TestReadRecord_ZeroLength(t *testing.T) {
	_, err := ReadRecord(bytes.NewReader(make([]byte, 32)))
	assert.ErrorIs(t, err, ErrTornRecord)
}

func TestReadRecordAt(t *testing.T) {
	first := (&Record{ID: 1, Item: []byte("a")}).Marshal()
	second := (&Record{ID: 2, Item: []byte("bb")}).Marshal()
	data := append(append([]byte{}, first...), second...)

	rec, err := ReadRecordAt(bytes.NewReader(data), int64(len(first)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.ID)
	assert.Equal(t, []byte("bb"), rec.Item)
}

func FuzzReadRecord(f *testing.F) {
	f.Add((&Record{ID: 1, Item: []byte("hello")}).Marshal())
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0x7F})

	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := ReadRecord(bytes.NewReader(data))
		if err != nil {
			return
		}
		// Anything accepted must re-encode to the same prefix.
		encoded := rec.Marshal()
		if !bytes.Equal(encoded, data[:len(encoded)]) {
			t.Fatalf("re-encoded record differs from input")
		}
	})
}
