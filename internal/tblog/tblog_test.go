package tblog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestWriteReadScalars(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, Options{Hostname: "box", Now: fixedClock()})
	require.NoError(t, err)

	base := filepath.Base(w.Path())
	assert.True(t, strings.HasPrefix(base, "events.out.tfevents."), base)
	assert.True(t, strings.HasSuffix(base, ".box"), base)

	require.NoError(t, w.LogValue("loss", 1.25, 1))
	require.NoError(t, w.LogValue("learning_rate", 0.05, 1))
	require.NoError(t, w.LogValue("loss", 0.75, 2))
	require.NoError(t, w.Close())

	got, err := readEvents(w.Path())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "loss", got[0].Tag)
	assert.Equal(t, float32(1.25), got[0].Value)
	assert.Equal(t, int64(1), got[0].Step)
	assert.InDelta(t, float64(fixedClock()().Unix()), got[0].WallTime, 1e-3)

	assert.Equal(t, "learning_rate", got[1].Tag)
	assert.InDelta(t, 0.05, got[1].Value, 1e-7)

	assert.Equal(t, int64(2), got[2].Step)
}

func TestFlushMakesEventsVisible(t *testing.T) {
	w, err := NewWriter(t.TempDir(), Options{Hostname: "h", FlushInterval: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogValue("loss", 3, 7))
	require.NoError(t, w.Flush())

	got, err := readEvents(w.Path())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Step)
}

func TestBackgroundFlush(t *testing.T) {
	w, err := NewWriter(t.TempDir(), Options{Hostname: "h", FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.LogValue("loss", 1, 1))
	assert.Eventually(t, func() bool {
		got, err := readEvents(w.Path())
		return err == nil && len(got) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWriteAfterClose(t *testing.T) {
	w, err := NewWriter(t.TempDir(), Options{Hostname: "h"})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Error(t, w.LogValue("loss", 1, 1))
}

func TestReadEventsDetectsCorruption(t *testing.T) {
	w, err := NewWriter(t.TempDir(), Options{Hostname: "h"})
	require.NoError(t, err)
	require.NoError(t, w.LogValue("loss", 1, 1))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	data[len(data)-6] ^= 0xff
	require.NoError(t, os.WriteFile(w.Path(), data, 0o600))

	_, err = readEvents(w.Path())
	assert.ErrorIs(t, err, errCorrupt)
}

func TestMaskedCRCKnownValue(t *testing.T) {
	// CRC-32C("123456789") = 0xe3069283.
	crc := uint32(0xe3069283)
	want := ((crc >> 15) | (crc << 17)) + 0xa282ead8
	assert.Equal(t, want, maskedCRC([]byte("123456789")))
}
