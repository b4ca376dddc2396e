// Package augment produces the two randomly augmented views of a sample.
//
// A pipeline applies, in order: random crop (zero padding when the image is
// smaller than the crop), horizontal flip, vertical flip, brightness and
// contrast jitter in random order, and optional per-channel normalization.
//
// Randomness comes from an explicit *rand.Rand so a sample's views depend
// only on (seed, epoch, index), never on which worker produced them.
package augment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/born-ml/supcon/internal/dataset"
)

// SPCrop is the fixed crop side of the sp dataset.
const SPCrop = 500

// ErrInvalidParams is returned for malformed pipeline parameters.
var ErrInvalidParams = errors.New("augment: invalid parameters")

// Params configures a Pipeline.
type Params struct {
	Crop       int     // Output side length
	HFlipProb  float64 // Probability of a horizontal flip
	VFlipProb  float64 // Probability of a vertical flip
	Brightness float64 // Brightness factor drawn from [1-b, 1+b]
	Contrast   float64 // Contrast factor drawn from [1-c, 1+c]

	// Per-channel normalization; both nil to skip.
	Mean, Std []float32
}

// ForDataset returns the recipe for a dataset kind. size is the crop side
// for rf; sp always crops SPCrop.
func ForDataset(kind dataset.Kind, size int, mean, std []float32) Params {
	switch kind {
	case dataset.SP:
		return Params{
			Crop:       SPCrop,
			HFlipProb:  0.5,
			VFlipProb:  0.5,
			Brightness: 0.1,
			Contrast:   0.1,
		}
	default:
		return Params{
			Crop:       size,
			HFlipProb:  0.5,
			Brightness: 0.4,
			Contrast:   0.4,
			Mean:       mean,
			Std:        std,
		}
	}
}

// Pipeline applies one augmentation recipe. It holds no mutable state and
// is safe for concurrent use.
type Pipeline struct {
	p Params
}

// New validates p and builds a pipeline.
func New(p Params) (*Pipeline, error) {
	if p.Crop <= 0 {
		return nil, fmt.Errorf("%w: crop %d", ErrInvalidParams, p.Crop)
	}
	for _, prob := range []float64{p.HFlipProb, p.VFlipProb} {
		if prob < 0 || prob > 1 {
			return nil, fmt.Errorf("%w: probability %v outside [0, 1]", ErrInvalidParams, prob)
		}
	}
	if p.Brightness < 0 || p.Brightness >= 1 || p.Contrast < 0 || p.Contrast >= 1 {
		return nil, fmt.Errorf("%w: jitter must be in [0, 1)", ErrInvalidParams)
	}
	if (p.Mean == nil) != (p.Std == nil) {
		return nil, fmt.Errorf("%w: mean and std must be given together", ErrInvalidParams)
	}
	if p.Mean != nil {
		if len(p.Mean) != dataset.Channels || len(p.Std) != dataset.Channels {
			return nil, fmt.Errorf("%w: mean and std need %d values", ErrInvalidParams, dataset.Channels)
		}
		for _, s := range p.Std {
			if s <= 0 {
				return nil, fmt.Errorf("%w: std must be positive", ErrInvalidParams)
			}
		}
	}
	return &Pipeline{p: p}, nil
}

// Params returns the pipeline configuration.
func (pl *Pipeline) Params() Params {
	return pl.p
}

// Shape returns the [C, H, W] shape of every produced view.
func (pl *Pipeline) Shape() [3]int {
	return [3]int{dataset.Channels, pl.p.Crop, pl.p.Crop}
}

// ViewSize is the number of floats in one view.
func (pl *Pipeline) ViewSize() int {
	return dataset.Channels * pl.p.Crop * pl.p.Crop
}

// TwoCrop writes two independent views of im into dst1 and dst2, each of
// length ViewSize.
func (pl *Pipeline) TwoCrop(im *dataset.Image, rng *rand.Rand, dst1, dst2 []float32) {
	pl.Apply(im, rng, dst1)
	pl.Apply(im, rng, dst2)
}

// Apply writes one augmented view of im into dst. im is not modified.
func (pl *Pipeline) Apply(im *dataset.Image, rng *rand.Rand, dst []float32) {
	n := pl.p.Crop
	if len(dst) != pl.ViewSize() {
		panic(fmt.Sprintf("augment: destination has %d values, want %d", len(dst), pl.ViewSize()))
	}

	oy := offset(im.Height, n, rng)
	ox := offset(im.Width, n, rng)
	hflip := rng.Float64() < pl.p.HFlipProb
	vflip := rng.Float64() < pl.p.VFlipProb

	plane := n * n
	for c := 0; c < dataset.Channels; c++ {
		for y := 0; y < n; y++ {
			sy := y
			if vflip {
				sy = n - 1 - y
			}
			sy += oy
			for x := 0; x < n; x++ {
				sx := x
				if hflip {
					sx = n - 1 - x
				}
				sx += ox
				var v float32
				if sy >= 0 && sy < im.Height && sx >= 0 && sx < im.Width {
					v = im.At(c, sy, sx)
				}
				dst[c*plane+y*n+x] = v
			}
		}
	}

	pl.jitter(dst, plane, rng)

	if pl.p.Mean != nil {
		for c := 0; c < dataset.Channels; c++ {
			m, s := pl.p.Mean[c], pl.p.Std[c]
			ch := dst[c*plane : (c+1)*plane]
			for i := range ch {
				ch[i] = (ch[i] - m) / s
			}
		}
	}
}

// offset picks the crop origin along one axis. When the image is smaller
// than the crop the origin is negative and the border reads as zero.
func offset(size, crop int, rng *rand.Rand) int {
	if size >= crop {
		return rng.IntN(size - crop + 1)
	}
	return -rng.IntN(crop - size + 1)
}

func (pl *Pipeline) jitter(dst []float32, plane int, rng *rand.Rand) {
	b := factor(pl.p.Brightness, rng)
	c := factor(pl.p.Contrast, rng)
	brightnessFirst := rng.IntN(2) == 0

	if brightnessFirst {
		adjustBrightness(dst, b)
		adjustContrast(dst, plane, c)
	} else {
		adjustContrast(dst, plane, c)
		adjustBrightness(dst, b)
	}
}

func factor(strength float64, rng *rand.Rand) float32 {
	if strength == 0 {
		return 1
	}
	return float32(1 - strength + 2*strength*rng.Float64())
}

func adjustBrightness(dst []float32, f float32) {
	if f == 1 {
		return
	}
	for i, v := range dst {
		dst[i] = clamp01(v * f)
	}
}

// adjustContrast blends every pixel with the mean luminance of the view.
func adjustContrast(dst []float32, plane int, f float32) {
	if f == 1 {
		return
	}
	var sum float64
	for i := 0; i < plane; i++ {
		sum += 0.299*float64(dst[i]) + 0.587*float64(dst[plane+i]) + 0.114*float64(dst[2*plane+i])
	}
	mean := float32(sum / float64(plane))
	for i, v := range dst {
		dst[i] = clamp01((v-mean)*f + mean)
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Rand returns the generator for sample index in epoch. Equal inputs give
// equal streams.
func Rand(seed uint64, epoch, index int) *rand.Rand {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(epoch))
	binary.LittleEndian.PutUint64(buf[16:], uint64(index))
	h := xxhash.Sum64(buf[:])
	return rand.New(rand.NewPCG(h, h^0x9e3779b97f4a7c15))
}
