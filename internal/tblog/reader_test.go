package tblog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// errCorrupt is returned when an event file fails framing or CRC checks.
var errCorrupt = errors.New("tblog: corrupt event file")

// scalar is one decoded scalar event.
type scalar struct {
	Tag      string
	Value    float32
	Step     int64
	WallTime float64
}

// readEvents decodes every scalar event in an event file. The file-version
// header is checked and skipped.
func readEvents(path string) ([]scalar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tblog: read: %w", err)
	}

	var out []scalar
	first := true
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("%w: truncated header", errCorrupt)
		}
		n := binary.LittleEndian.Uint64(data[0:8])
		if binary.LittleEndian.Uint32(data[8:12]) != maskedCRC(data[0:8]) {
			return nil, fmt.Errorf("%w: length checksum", errCorrupt)
		}
		if uint64(len(data)-12) < n+4 {
			return nil, fmt.Errorf("%w: %w", errCorrupt, io.ErrUnexpectedEOF)
		}
		event := data[12 : 12+n]
		if binary.LittleEndian.Uint32(data[12+n:16+n]) != maskedCRC(event) {
			return nil, fmt.Errorf("%w: data checksum", errCorrupt)
		}
		data = data[16+n:]

		scalars, version, err := parseEvent(event)
		if err != nil {
			return nil, err
		}
		if first {
			if version != FileVersion {
				return nil, fmt.Errorf("%w: file version %q", errCorrupt, version)
			}
			first = false
			continue
		}
		out = append(out, scalars...)
	}
	return out, nil
}

func parseEvent(b []byte) ([]scalar, string, error) {
	var (
		wall    float64
		step    int64
		version string
		values  []scalar
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch {
		case num == fieldWallTime && typ == protowire.Fixed64Type:
			v, _ := protowire.ConsumeFixed64(field)
			wall = math.Float64frombits(v)
		case num == fieldStep && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(field)
			step = int64(v)
		case num == fieldFileVersion && typ == protowire.BytesType:
			v, _ := protowire.ConsumeString(field)
			version = v
		case num == fieldSummary && typ == protowire.BytesType:
			summary, _ := protowire.ConsumeBytes(field)
			vs, err := parseSummary(summary)
			if err != nil {
				return err
			}
			values = append(values, vs...)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	for i := range values {
		values[i].Step = step
		values[i].WallTime = wall
	}
	return values, version, nil
}

func parseSummary(b []byte) ([]scalar, error) {
	var out []scalar
	err := walk(b, func(num protowire.Number, typ protowire.Type, field []byte) error {
		if num != fieldSummaryValue || typ != protowire.BytesType {
			return nil
		}
		value, _ := protowire.ConsumeBytes(field)
		var s scalar
		err := walk(value, func(num protowire.Number, typ protowire.Type, f []byte) error {
			switch {
			case num == fieldValueTag && typ == protowire.BytesType:
				s.Tag, _ = protowire.ConsumeString(f)
			case num == fieldValueSimpleValue && typ == protowire.Fixed32Type:
				v, _ := protowire.ConsumeFixed32(f)
				s.Value = math.Float32frombits(v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// walk calls fn with the raw value bytes of every top-level field in b.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: %w", errCorrupt, protowire.ParseError(m))
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
