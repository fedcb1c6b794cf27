package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/image/draw"
)

// Channels is the number of channels of every processed image. Radiographs
// are read as grayscale and replicated across three channels.
const Channels = 3

// ImageProcessor decodes radiographs into CHW float32 data in [0, 1].
type ImageProcessor struct {
	mu         sync.Mutex
	grayBuffer *image.Gray
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the side length of processed images.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Clone returns a deep copy, so transforms can work on cached images.
func (img *ProcessedImage) Clone() *ProcessedImage {
	data := make([]float32, len(img.Data))
	copy(data, img.Data)
	return &ProcessedImage{Data: data, Width: img.Width, Height: img.Height, Channels: img.Channels}
}

// DecodeAndPreprocess decodes a PNG or JPEG image, converts it to grayscale,
// resizes it bicubically to targetSize x targetSize and returns it in CHW
// format with the gray plane repeated over three channels.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	if p.targetSize < 1 {
		return nil, fmt.Errorf("invalid target size %d", p.targetSize)
	}
	src, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("empty %s image", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.grayBuffer == nil {
		p.grayBuffer = image.NewGray(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	gray := p.grayBuffer
	// scaling into a Gray destination applies the 0.299/0.587/0.114 luma weights
	draw.CatmullRom.Scale(gray, gray.Bounds(), src, src.Bounds(), draw.Src, nil)

	plane := p.targetSize * p.targetSize
	data := make([]float32, Channels*plane)
	for y := 0; y < p.targetSize; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+p.targetSize]
		for x, v := range row {
			value := float32(v) / 255.0
			idx := y*p.targetSize + x
			for c := 0; c < Channels; c++ {
				data[c*plane+idx] = value
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: Channels,
	}, nil
}

// ProcessFile opens path on fs and preprocesses it.
func (p *ImageProcessor) ProcessFile(fs afero.Fs, path string) (*ProcessedImage, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(fs afero.Fs, imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				results[j.index], errs[j.index] = processor.ProcessFile(fs, j.path)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
