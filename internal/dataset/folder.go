// Package dataset reads labelled images from a class-per-directory tree:
//
//	<root>/train/<class>/<image>.{png,jpg,jpeg}
//
// Classes are sorted by name and numbered from zero. Decoded images are
// kept in a bounded LRU cache shared by all loader workers.
package dataset

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// Split is the subdirectory training images are read from.
const Split = "train"

// DefaultCacheSize is the number of decoded images kept in memory.
const DefaultCacheSize = 1024

// Channels is the channel count of every decoded image.
const Channels = 3

// Image is a decoded RGB image in CHW layout with values in [0, 1].
// Images returned by a Folder are shared and must not be modified.
type Image struct {
	Height, Width int
	Pix           []float32 // len = Channels·Height·Width
}

// At returns channel c of pixel (y, x).
func (im *Image) At(c, y, x int) float32 {
	return im.Pix[(c*im.Height+y)*im.Width+x]
}

type item struct {
	path  string
	label int32
}

// Folder is an image-folder dataset. It is safe for concurrent use.
type Folder struct {
	root    string
	classes []string
	items   []item
	cache   *lru.Cache
}

// Options tunes Open.
type Options struct {
	CacheSize int // Decoded-image cache entries (default: DefaultCacheSize)
}

// Open indexes <dataFolder>/train. Both kinds share the layout; they differ
// only in how samples are augmented.
func Open(dataFolder string, opts Options) (*Folder, error) {
	return OpenFolder(filepath.Join(dataFolder, Split), opts)
}

// OpenFolder indexes root/<class>/<image>.
func OpenFolder(root string, opts Options) (*Folder, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", root, err)
	}

	f := &Folder{root: root}
	for _, e := range entries {
		if e.IsDir() {
			f.classes = append(f.classes, e.Name())
		}
	}
	sort.Strings(f.classes)

	for label, class := range f.classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, fmt.Errorf("dataset: read class %s: %w", class, err)
		}
		names := make([]string, 0, len(files))
		for _, file := range files {
			if !file.IsDir() && isImage(file.Name()) {
				names = append(names, file.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			f.items = append(f.items, item{
				path:  filepath.Join(root, class, name),
				label: int32(label),
			})
		}
	}

	f.cache, err = lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("dataset: create cache: %w", err)
	}
	return f, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// Root returns the indexed directory.
func (f *Folder) Root() string {
	return f.root
}

// Len returns the number of samples.
func (f *Folder) Len() int {
	return len(f.items)
}

// Classes returns the class names in label order.
func (f *Folder) Classes() []string {
	return append([]string(nil), f.classes...)
}

// Label returns the label of sample i without decoding it.
func (f *Folder) Label(i int) int32 {
	return f.items[i].label
}

// Get decodes sample i, serving repeated reads from the cache.
func (f *Folder) Get(i int) (*Image, int32, error) {
	if i < 0 || i >= len(f.items) {
		return nil, 0, fmt.Errorf("dataset: index %d out of range [0, %d)", i, len(f.items))
	}
	it := f.items[i]
	if v, ok := f.cache.Get(i); ok {
		return v.(*Image), it.label, nil
	}

	im, err := decodeFile(it.path)
	if err != nil {
		return nil, 0, err
	}
	f.cache.Add(i, im)
	return im, it.label, nil
}

func decodeFile(path string) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open image: %w", err)
	}
	defer file.Close()

	src, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("dataset: decode %s: %w", path, err)
	}
	return FromImage(src), nil
}

// FromImage converts any image.Image to RGB CHW floats in [0, 1].
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()
	im := &Image{Height: h, Width: w, Pix: make([]float32, Channels*h*w)}
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA64)
			i := y*w + x
			im.Pix[i] = float32(c.R) / 0xffff
			im.Pix[plane+i] = float32(c.G) / 0xffff
			im.Pix[2*plane+i] = float32(c.B) / 0xffff
		}
	}
	return im
}
