// Package tblog writes scalar series as TensorBoard event files.
//
// Each file is a sequence of TFRecord frames:
//
//	uint64 length (little endian)
//	uint32 masked CRC-32C of length
//	[length]byte serialized tensorflow.Event
//	uint32 masked CRC-32C of data
//
// Events are protobuf-encoded by hand with protowire; only the fields a
// scalar summary needs are emitted.
package tblog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// FileVersion is written in the first event of every file.
const FileVersion = "brain.Event:2"

// DefaultFlushInterval is how often buffered events reach the file.
const DefaultFlushInterval = 2 * time.Second

// Event field numbers (tensorflow/core/util/event.proto).
const (
	fieldWallTime    protowire.Number = 1
	fieldStep        protowire.Number = 2
	fieldFileVersion protowire.Number = 3
	fieldSummary     protowire.Number = 5

	fieldSummaryValue protowire.Number = 1

	fieldValueTag         protowire.Number = 1
	fieldValueSimpleValue protowire.Number = 2
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, crcTable)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// Writer appends scalar events to one event file. It is safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	now    func() time.Time
	closed bool

	stop chan struct{}
	done chan struct{}
}

// Options tunes a Writer.
type Options struct {
	FlushInterval time.Duration // Background flush period (default: DefaultFlushInterval)
	Hostname      string        // File name suffix (default: os.Hostname)
	Now           func() time.Time
}

// NewWriter creates events.out.tfevents.<unix>.<host> in dir and writes
// the file-version header event.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		opts.Hostname = host
	}

	name := fmt.Sprintf("events.out.tfevents.%d.%s", opts.Now().Unix(), opts.Hostname)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tblog: create event file: %w", err)
	}

	w := &Writer{
		file: f,
		buf:  bufio.NewWriter(f),
		now:  opts.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := w.writeEvent(fileVersionEvent(w.wallTime())); err != nil {
		_ = f.Close()
		return nil, err
	}
	go w.flushLoop(opts.FlushInterval)
	return w, nil
}

// Path returns the event file path.
func (w *Writer) Path() string {
	return w.file.Name()
}

// LogValue records value under tag at step.
func (w *Writer) LogValue(tag string, value float64, step int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("tblog: write %q after close", tag)
	}
	return w.writeEventLocked(scalarEvent(w.wallTime(), step, tag, float32(value)))
}

// Flush writes buffered events to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

// Close flushes, syncs and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("tblog: sync: %w", err)
	}
	return w.file.Close()
}

func (w *Writer) flushLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = w.Flush()
		case <-w.stop:
			return
		}
	}
}

func (w *Writer) flushLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("tblog: flush: %w", err)
	}
	return nil
}

func (w *Writer) wallTime() float64 {
	return float64(w.now().UnixNano()) / 1e9
}

func (w *Writer) writeEvent(event []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeEventLocked(event)
}

func (w *Writer) writeEventLocked(event []byte) error {
	if _, err := w.buf.Write(frame(event)); err != nil {
		return fmt.Errorf("tblog: write event: %w", err)
	}
	return nil
}

// frame wraps data in a TFRecord.
func frame(data []byte) []byte {
	out := make([]byte, 12, 12+len(data)+4)
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(out[8:12], maskedCRC(out[0:8]))
	out = append(out, data...)
	return binary.LittleEndian.AppendUint32(out, maskedCRC(data))
}

func fileVersionEvent(wallTime float64) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	b = protowire.AppendTag(b, fieldFileVersion, protowire.BytesType)
	b = protowire.AppendString(b, FileVersion)
	return b
}

func scalarEvent(wallTime float64, step int64, tag string, value float32) []byte {
	var v []byte
	v = protowire.AppendTag(v, fieldValueTag, protowire.BytesType)
	v = protowire.AppendString(v, tag)
	v = protowire.AppendTag(v, fieldValueSimpleValue, protowire.Fixed32Type)
	v = protowire.AppendFixed32(v, math.Float32bits(value))

	var summary []byte
	summary = protowire.AppendTag(summary, fieldSummaryValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, v)

	var b []byte
	b = protowire.AppendTag(b, fieldWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(step))
	b = protowire.AppendTag(b, fieldSummary, protowire.BytesType)
	b = protowire.AppendBytes(b, summary)
	return b
}
