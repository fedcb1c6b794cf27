package preprocessing

import (
	"fmt"
	"math"
	"math/rand"
)

// Transform modifies a processed image in place. Random transforms draw from rng.
type Transform interface {
	Apply(img *ProcessedImage, rng *rand.Rand) error
}

// Compose applies transforms in order.
type Compose []Transform

func (c Compose) Apply(img *ProcessedImage, rng *rand.Rand) error {
	for i, t := range c {
		if err := t.Apply(img, rng); err != nil {
			return fmt.Errorf("transform %d (%T): %w", i, t, err)
		}
	}
	return nil
}

// HorizontalFlip mirrors the image left to right with probability P.
type HorizontalFlip struct {
	P float64
}

func (f HorizontalFlip) Apply(img *ProcessedImage, rng *rand.Rand) error {
	if rng.Float64() >= f.P {
		return nil
	}
	w := img.Width
	for row := 0; row < img.Channels*img.Height; row++ {
		line := img.Data[row*w : (row+1)*w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			line[i], line[j] = line[j], line[i]
		}
	}
	return nil
}

// Rotation rotates the image about its centre by an angle drawn uniformly from
// [-Degrees, Degrees]. Sampling is nearest-neighbour and uncovered pixels are 0.
type Rotation struct {
	Degrees float64
}

func (r Rotation) Apply(img *ProcessedImage, rng *rand.Rand) error {
	if r.Degrees < 0 {
		return fmt.Errorf("rotation range must be non-negative, got %v", r.Degrees)
	}
	angle := (rng.Float64()*2 - 1) * r.Degrees
	return rotate(img, angle)
}

func rotate(img *ProcessedImage, degrees float64) error {
	if degrees == 0 {
		return nil
	}
	w, h := img.Width, img.Height
	plane := w * h
	theta := degrees * math.Pi / 180
	sin, cos := math.Sincos(theta)
	cx, cy := float64(w-1)/2, float64(h-1)/2

	out := make([]float32, len(img.Data))
	for y := 0; y < h; y++ {
		dy := float64(y) - cy
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			// inverse mapping: rotate the destination point back by -theta
			sx := int(math.Round(cos*dx + sin*dy + cx))
			sy := int(math.Round(-sin*dx + cos*dy + cy))
			if sx < 0 || sx >= w || sy < 0 || sy >= h {
				continue
			}
			for c := 0; c < img.Channels; c++ {
				out[c*plane+y*w+x] = img.Data[c*plane+sy*w+sx]
			}
		}
	}
	img.Data = out
	return nil
}

// Normalize maps each channel to (v - Mean[c]) / Std[c].
type Normalize struct {
	Mean []float32
	Std  []float32
}

func (n Normalize) Apply(img *ProcessedImage, _ *rand.Rand) error {
	if len(n.Mean) != img.Channels || len(n.Std) != img.Channels {
		return fmt.Errorf("normalize needs %d means and stds, got %d and %d", img.Channels, len(n.Mean), len(n.Std))
	}
	plane := img.Width * img.Height
	for c := 0; c < img.Channels; c++ {
		if n.Std[c] == 0 {
			return fmt.Errorf("zero std for channel %d", c)
		}
		values := img.Data[c*plane : (c+1)*plane]
		for i, v := range values {
			values[i] = (v - n.Mean[c]) / n.Std[c]
		}
	}
	return nil
}

// KneeXRayPipeline is the augmentation applied to every sample: a horizontal
// flip with probability 0.5, a rotation of up to 20 degrees, then
// normalisation with mean and std 0.5 on every channel.
func KneeXRayPipeline() Compose {
	return Compose{
		HorizontalFlip{P: 0.5},
		Rotation{Degrees: 20},
		Normalize{Mean: []float32{0.5, 0.5, 0.5}, Std: []float32{0.5, 0.5, 0.5}},
	}
}

// EvalPipeline only normalises.
func EvalPipeline() Compose {
	return Compose{
		Normalize{Mean: []float32{0.5, 0.5, 0.5}, Std: []float32{0.5, 0.5, 0.5}},
	}
}
