package cloudsync

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/pagesync/core/pages"
)

// TestFrameRoundTrip verifies that a stream of framed messages reads back in
// order and ends with a clean EOF.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		appendFrame(&buf, m)
	}

	for _, want := range msgs {
		got, err := readFrame(&buf, 1024)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := readFrame(&buf, 1024)
	require.ErrorIs(t, err, io.EOF)
}

// TestFrameSkipsZeroLength verifies empty frames are transparent to readers.
func TestFrameSkipsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	appendFrame(&buf, nil)
	appendFrame(&buf, []byte("payload"))

	got, err := readFrame(&buf, 1024)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

// TestFrameSizeLimit verifies oversized length prefixes are rejected without
// reading the payload.
func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	appendFrame(&buf, bytes.Repeat([]byte("x"), 100))

	_, err := readFrame(&buf, 16)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestFrameTruncation verifies a stream cut inside a frame surfaces as an
// unexpected EOF, distinct from a clean end of stream.
func TestFrameTruncation(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10)
	buf := bytes.NewBuffer(append(prefix[:], []byte("short")...))

	_, err := readFrame(buf, 1024)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// TestMarkerCodec verifies markers survive the encode and decode path and
// reject incomplete payloads.
func TestMarkerCodec(t *testing.T) {
	key := pages.Key{Ledger: "notes", Page: pages.NewID()}

	raw, err := encodeMarker(key)
	require.NoError(t, err)

	m, err := decodeMarker(raw)
	require.NoError(t, err)
	decoded, err := m.Key()
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	_, err = decodeMarker([]byte(`{"ledger":"notes"}`))
	require.Error(t, err)
	_, err = decodeMarker([]byte(`not json`))
	require.Error(t, err)
}

// TestNopStarterAcceptsAnything verifies the nop starter is safe to call.
func TestNopStarterAcceptsAnything(t *testing.T) {
	var s NopStarter
	s.StartSyncing(pages.Key{Ledger: "any", Page: pages.NewID()})
	s.StartSyncing(pages.Key{})
}

// TestConfigDefaults verifies zero-valued knobs pick up working defaults.
func TestConfigDefaults(t *testing.T) {
	cfg := Config{Addr: "localhost:1"}
	cfg.setDefaults()

	require.Equal(t, "/markers", cfg.URLPath)
	require.Positive(t, cfg.NumConnections)
	require.Positive(t, cfg.QueueCapacity)
	require.Positive(t, cfg.MaxBatchBytes)
	require.Positive(t, cfg.MaxBatchMessages)
	require.Positive(t, cfg.FlushInterval)
	require.Positive(t, cfg.InitialBackoff)
	require.Positive(t, cfg.MaxBackoff)
	require.Positive(t, cfg.BackoffJitterFrac)
	require.NotNil(t, cfg.Logger)
}
