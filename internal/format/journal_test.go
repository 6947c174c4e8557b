package format

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalEntry_MarshalRead(t *testing.T) {
	e := &JournalEntry{
		Op:       JournalOffer,
		TxID:     uuid.New(),
		Queue:    "orders/in",
		RecordID: 17,
		Item:     []byte("String1"),
	}

	data, err := e.Marshal()
	require.NoError(t, err)

	got, n, err := ReadJournalEntry(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, e, got)
}

func TestJournalEntry_Marker(t *testing.T) {
	e := &JournalEntry{Op: JournalCommit, TxID: uuid.New()}

	data, err := e.Marshal()
	require.NoError(t, err)

	got, _, err := ReadJournalEntry(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, JournalCommit, got.Op)
	assert.Equal(t, e.TxID, got.TxID)
	assert.Empty(t, got.Queue)
	assert.Nil(t, got.Item)
}

func TestReadJournalEntry_EOFAndTorn(t *testing.T) {
	data, err := (&JournalEntry{Op: JournalPoll, TxID: uuid.New(), Queue: "q", RecordID: 1}).Marshal()
	require.NoError(t, err)

	_, _, err = ReadJournalEntry(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)

	_, _, err = ReadJournalEntry(bytes.NewReader(data[:len(data)-3]))
	assert.ErrorIs(t, err, ErrTornRecord)

	data[12] ^= 0x80
	_, _, err = ReadJournalEntry(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrTornRecord)
}

func TestJournalEntry_NameTooLong(t *testing.T) {
	e := &JournalEntry{Op: JournalOffer, Queue: strings.Repeat("x", 70000)}
	_, err := e.Marshal()
	assert.Error(t, err)
}

func TestJournalOp_String(t *testing.T) {
	assert.Equal(t, "OFFER", JournalOffer.String())
	assert.Equal(t, "POLL", JournalPoll.String())
	assert.Equal(t, "COMMIT", JournalCommit.String())
	assert.Equal(t, "APPLIED", JournalApplied.String())
	assert.Equal(t, "JournalOp(9)", JournalOp(9).String())
}
