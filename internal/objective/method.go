package objective

import (
	"errors"
	"fmt"
)

// ErrUnknownMethod is returned for an objective name other than SupCon or SimCLR.
var ErrUnknownMethod = errors.New("objective: unknown method")

// Method selects how positives are defined.
type Method int

const (
	// SupCon treats every view sharing a label as a positive.
	SupCon Method = iota
	// SimCLR treats only the other view of the same sample as a positive.
	SimCLR
)

// String returns the command-line name of the method.
func (m Method) String() string {
	switch m {
	case SupCon:
		return "SupCon"
	case SimCLR:
		return "SimCLR"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod resolves "SupCon" or "SimCLR".
func ParseMethod(name string) (Method, error) {
	switch name {
	case "SupCon":
		return SupCon, nil
	case "SimCLR":
		return SimCLR, nil
	default:
		return 0, fmt.Errorf("%w: %q (known: SupCon, SimCLR)", ErrUnknownMethod, name)
	}
}

// UsesLabels reports whether the method consumes class labels.
func (m Method) UsesLabels() bool {
	return m == SupCon
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	if m != SupCon && m != SimCLR {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
