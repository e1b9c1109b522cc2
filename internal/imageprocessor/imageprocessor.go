// Package imageprocessor turns a base64 image payload into the normalized
// tensor the waste classifier consumes.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// Input geometry expected by the model.
const (
	InputHeight   = 224
	InputWidth    = 224
	InputChannels = 3
)

// Payload limits applied before a full decode.
const (
	DefaultMaxBytes  = 10 << 20
	DefaultMaxPixels = 40_000_000
)

// ErrDecode marks every failure to turn a payload into a tensor.
var ErrDecode = errors.New("image decode failed")

// Tensor is a single-sample NHWC float32 tensor with values in [0,1].
type Tensor struct {
	Data  []float32
	Shape []int
}

// Validate checks that the data length agrees with the shape and that every
// value lies in [0,1].
func (t *Tensor) Validate() error {
	if t == nil {
		return errors.New("nil tensor")
	}
	size := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid dimension %d in shape %v", d, t.Shape)
		}
		size *= d
	}
	if len(t.Shape) == 0 || size != len(t.Data) {
		return fmt.Errorf("tensor holds %d values, shape %v needs %d", len(t.Data), t.Shape, size)
	}
	for i, v := range t.Data {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("value %v at index %d outside [0,1]", v, i)
		}
	}
	return nil
}

// Preprocessor decodes and normalizes images. It holds no mutable state and
// is safe for concurrent use.
type Preprocessor struct {
	maxBytes  int
	maxPixels int
}

// New returns a Preprocessor rejecting decoded payloads over maxBytes and
// images whose header declares more than maxPixels pixels. Non-positive
// values select DefaultMaxBytes and DefaultMaxPixels.
func New(maxBytes, maxPixels int) *Preprocessor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Preprocessor{maxBytes: maxBytes, maxPixels: maxPixels}
}

// DecodeAndNormalize decodes a base64 image and returns the model input tensor
// together with the decoded image, which callers persist.
func (p *Preprocessor) DecodeAndNormalize(raw string) (*Tensor, image.Image, error) {
	data, err := p.decodeBase64(raw)
	if err != nil {
		return nil, nil, err
	}

	// Check the declared size before the decoder allocates the canvas.
	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unsupported or corrupt image: %v", ErrDecode, err)
	}
	if header.Width <= 0 || header.Height <= 0 {
		return nil, nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(header.Width)*int64(header.Height) > int64(p.maxPixels) {
		return nil, nil, fmt.Errorf("%w: %dx%d image exceeds %d pixels",
			ErrDecode, header.Width, header.Height, p.maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unsupported or corrupt image: %v", ErrDecode, err)
	}

	tensor, err := ToTensor(img)
	if err != nil {
		return nil, nil, err
	}
	return tensor, img, nil
}

func (p *Preprocessor) decodeBase64(raw string) ([]byte, error) {
	payload := strings.TrimSpace(raw)
	if strings.HasPrefix(payload, "data:") {
		if _, rest, ok := strings.Cut(payload, ","); ok {
			payload = rest
		}
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty image payload", ErrDecode)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > p.maxBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrDecode, p.maxBytes)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
	}
	return data, nil
}

// ToTensor resizes img to the model input size when needed and scales each
// RGB channel to [0,1] in NHWC order.
func ToTensor(img image.Image) (*Tensor, error) {
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if bounds.Dx() != InputWidth || bounds.Dy() != InputHeight {
		img = resize.Resize(InputWidth, InputHeight, img, resize.Bilinear)
		bounds = img.Bounds()
		if bounds.Dx() != InputWidth || bounds.Dy() != InputHeight {
			return nil, fmt.Errorf("%w: cannot resize %dx%d image to %dx%d",
				ErrDecode, bounds.Dx(), bounds.Dy(), InputWidth, InputHeight)
		}
	}

	out := make([]float32, InputHeight*InputWidth*InputChannels)
	for y := 0; y < InputHeight; y++ {
		for x := 0; x < InputWidth; x++ {
			r32, g32, b32, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			base := (y*InputWidth + x) * InputChannels
			out[base+0] = float32(r32>>8) / 255.0
			out[base+1] = float32(g32>>8) / 255.0
			out[base+2] = float32(b32>>8) / 255.0
		}
	}

	return &Tensor{
		Data:  out,
		Shape: []int{1, InputHeight, InputWidth, InputChannels},
	}, nil
}
