package attachment

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	// Decoders for the image formats the composer accepts.
	_ "image/gif"
	_ "image/png"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/image/draw"
)

// ErrNotAnImage indicates the payload could not be decoded as an image.
var ErrNotAnImage = errors.New("payload is not a decodable image")

const (
	// maxImageDimension bounds both axes after resize.
	maxImageDimension = 1920

	// jpegStartQuality is where iterative recompression starts.
	jpegStartQuality = 92
	// jpegQualityStep is subtracted per iteration.
	jpegQualityStep = 7
	// jpegQualityFloor is the lowest quality the compressor will go.
	// At the floor the best achievable result is returned even if it
	// still exceeds the byte target.
	jpegQualityFloor = 50
)

// CompressResult is the outcome of image compression.
type CompressResult struct {
	Data    []byte
	Width   int
	Height  int
	Quality int
}

// CompressImage decodes payload, scales it to fit within
// maxImageDimension on both axes preserving aspect ratio, then
// re-encodes as JPEG, stepping quality down from jpegStartQuality until
// the result fits maxBytes or the quality floor is reached.
func CompressImage(payload []byte, maxBytes int) (*CompressResult, error) {
	src, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	scaled := scaleToFit(src, maxImageDimension)
	bounds := scaled.Bounds()

	quality := jpegStartQuality
	var buf bytes.Buffer
	for {
		buf.Reset()
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encoding jpeg at quality %d: %w", quality, err)
		}
		if buf.Len() <= maxBytes || quality <= jpegQualityFloor {
			break
		}
		quality -= jpegQualityStep
		if quality < jpegQualityFloor {
			quality = jpegQualityFloor
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "CompressImage",
		"format":   format,
		"in_size":  len(payload),
		"out_size": buf.Len(),
		"width":    bounds.Dx(),
		"height":   bounds.Dy(),
		"quality":  quality,
	}).Debug("Image compressed")

	return &CompressResult{
		Data:    append([]byte(nil), buf.Bytes()...),
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Quality: quality,
	}, nil
}

// scaleToFit returns src scaled so both axes fit within limit,
// preserving aspect ratio. Images already within the limit are
// returned untouched.
func scaleToFit(src image.Image, limit int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= limit && h <= limit {
		return src
	}

	ratio := float64(limit) / float64(w)
	if h > w {
		ratio = float64(limit) / float64(h)
	}
	outW := int(float64(w) * ratio)
	outH := int(float64(h) * ratio)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// checksum returns the hex BLAKE2b-256 digest of payload.
func checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
