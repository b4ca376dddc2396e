package dataset

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned for a dataset name other than sp or rf.
var ErrUnsupported = errors.New("dataset: unsupported dataset")

// Kind names a dataset family. It decides the augmentation recipe and
// whether per-channel normalization statistics are required.
type Kind int

const (
	// SP is the speckle-pattern dataset: fixed 500x500 crops, no normalization.
	SP Kind = iota
	// RF is a generic image folder normalized with user-supplied mean and std.
	RF
)

func (k Kind) String() string {
	switch k {
	case SP:
		return "sp"
	case RF:
		return "rf"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind resolves "sp" or "rf".
func ParseKind(name string) (Kind, error) {
	switch name {
	case "sp":
		return SP, nil
	case "rf":
		return RF, nil
	default:
		return 0, fmt.Errorf("%w: %q (known: sp, rf)", ErrUnsupported, name)
	}
}

// NeedsStats reports whether the dataset requires mean and std.
func (k Kind) NeedsStats() bool {
	return k == RF
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != SP && k != RF {
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
