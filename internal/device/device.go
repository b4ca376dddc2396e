// Package device decides once, at startup, which compute device trains the
// encoder. A GPU is used only when the build has a GPU backend and an
// adapter answers the probe; otherwise training degrades to the CPU.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnknownPreference is returned for a --device value other than auto, cpu or gpu.
var ErrUnknownPreference = errors.New("device: unknown preference")

// Kind is a concrete compute device.
type Kind int

const (
	CPU Kind = iota
	GPU
)

func (k Kind) String() string {
	if k == GPU {
		return "gpu"
	}
	return "cpu"
}

// Preference is the user's requested device.
type Preference int

const (
	Auto Preference = iota
	PreferCPU
	PreferGPU
)

func (p Preference) String() string {
	switch p {
	case Auto:
		return "auto"
	case PreferCPU:
		return "cpu"
	case PreferGPU:
		return "gpu"
	default:
		return fmt.Sprintf("Preference(%d)", int(p))
	}
}

// ParsePreference resolves auto, cpu or gpu.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "auto", "":
		return Auto, nil
	case "cpu":
		return PreferCPU, nil
	case "gpu":
		return PreferGPU, nil
	default:
		return 0, fmt.Errorf("%w: %q (known: auto, cpu, gpu)", ErrUnknownPreference, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Preference) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Preference) UnmarshalText(text []byte) error {
	parsed, err := ParsePreference(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Selection is the outcome of Select.
type Selection struct {
	Kind       Kind
	Preference Preference
	Degraded   bool // GPU was wanted but the CPU was chosen
}

var (
	probeOnce sync.Once
	probed    bool
)

// GPUAvailable reports whether a GPU adapter is usable. The probe runs at
// most once per process.
func GPUAvailable() bool {
	probeOnce.Do(func() {
		probed = probeGPU()
	})
	return probed
}

// Select resolves pref against the probe. Degradation from a GPU request
// to the CPU is logged as a warning.
func Select(pref Preference, logger zerolog.Logger) Selection {
	return selectWith(pref, GPUAvailable, logger)
}

func selectWith(pref Preference, available func() bool, logger zerolog.Logger) Selection {
	sel := Selection{Kind: CPU, Preference: pref}
	if pref == PreferCPU {
		return sel
	}
	if available() {
		sel.Kind = GPU
		return sel
	}
	sel.Degraded = true
	ev := logger.Warn()
	if pref == Auto {
		ev = logger.Info()
	}
	ev.Str("requested", pref.String()).Msg("GPU not available, training on CPU")
	return sel
}
