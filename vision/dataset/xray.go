package dataset

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/training"
	"github.com/oaikl/kneegrade/vision/dataloader"
	"github.com/oaikl/kneegrade/vision/preprocessing"
)

// XRayOptions configures an XRayDataset.
type XRayOptions struct {
	ImageSize int
	// Root is prepended to relative image paths from the label file.
	Root string
	// Transform runs on a copy of every decoded image. Nil leaves images in [0, 1].
	Transform preprocessing.Transform
	// Seed seeds the random source of the transforms.
	Seed int64
	// Cache holds decoded images across epochs and folds. Optional.
	Cache *dataloader.CacheManager
}

// XRayDataset serves knee radiographs listed in a label file as
// [3, size, size] float32 tensors with an Int32 grade label of shape [1].
type XRayDataset struct {
	fs        afero.Fs
	records   []LabelRecord
	opts      XRayOptions
	processor *preprocessing.ImageProcessor

	mu  sync.Mutex
	rng *rand.Rand
}

var _ training.Dataset = (*XRayDataset)(nil)

// NewXRayDataset creates a dataset over records.
func NewXRayDataset(fs afero.Fs, records []LabelRecord, opts XRayOptions) (*XRayDataset, error) {
	if opts.ImageSize < 1 {
		return nil, fmt.Errorf("invalid image size %d", opts.ImageSize)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset has no samples")
	}
	return &XRayDataset{
		fs:        fs,
		records:   records,
		opts:      opts,
		processor: preprocessing.NewImageProcessor(opts.ImageSize),
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// LoadXRayDataset reads the label file at path and creates a dataset over it.
func LoadXRayDataset(fs afero.Fs, path string, opts XRayOptions) (*XRayDataset, error) {
	records, err := ReadLabelFile(fs, path)
	if err != nil {
		return nil, err
	}
	return NewXRayDataset(fs, records, opts)
}

func (d *XRayDataset) Len() int {
	return len(d.records)
}

// Get decodes (or fetches from the cache) sample i and applies the transform.
func (d *XRayDataset) Get(i int) (*tensor.Tensor, *tensor.Tensor, error) {
	if i < 0 || i >= len(d.records) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", i, len(d.records))
	}
	record := d.records[i]
	path := d.resolve(record.Data)

	img, err := d.load(path)
	if err != nil {
		return nil, nil, err
	}

	work := img.Clone()
	if d.opts.Transform != nil {
		d.mu.Lock()
		err = d.opts.Transform.Apply(work, d.rng)
		d.mu.Unlock()
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	data, err := tensor.NewTensor([]int{work.Channels, work.Height, work.Width}, tensor.Float32, tensor.CPU, work.Data)
	if err != nil {
		return nil, nil, err
	}
	label, err := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{int32(record.Label)})
	if err != nil {
		return nil, nil, err
	}
	return data, label, nil
}

func (d *XRayDataset) load(path string) (*preprocessing.ProcessedImage, error) {
	if d.opts.Cache != nil {
		if img, ok := d.opts.Cache.Get(path); ok {
			return img, nil
		}
	}
	img, err := d.processor.ProcessFile(d.fs, path)
	if err != nil {
		return nil, err
	}
	if d.opts.Cache != nil {
		d.opts.Cache.Put(path, img)
	}
	return img, nil
}

// Preload decodes every image with maxWorkers goroutines and fills the cache.
// It is a no-op without a cache.
func (d *XRayDataset) Preload(maxWorkers int) error {
	if d.opts.Cache == nil {
		return nil
	}
	paths := make([]string, len(d.records))
	for i, r := range d.records {
		paths[i] = d.resolve(r.Data)
	}
	images, err := preprocessing.PreprocessBatch(d.fs, paths, d.opts.ImageSize, maxWorkers)
	if err != nil {
		return err
	}
	for i, img := range images {
		d.opts.Cache.Put(paths[i], img)
	}
	return nil
}

func (d *XRayDataset) resolve(path string) string {
	if d.opts.Root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(d.opts.Root, path)
}

// Labels returns the grade of every sample in order.
func (d *XRayDataset) Labels() []int {
	labels := make([]int, len(d.records))
	for i, r := range d.records {
		labels[i] = r.Label
	}
	return labels
}

// ClassDistribution returns the number of samples per grade
func (d *XRayDataset) ClassDistribution() map[int]int {
	return distribution(d.Labels())
}

func (d *XRayDataset) String() string {
	return describe("XRayDataset", d.Labels())
}
