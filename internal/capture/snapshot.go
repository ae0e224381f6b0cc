package capture

import (
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/jmylchreest/camplug/pkg/plugin"
)

// Format is a snapshot image format.
type Format string

// Snapshot formats.
const (
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bmp":
		return FormatBMP, nil
	case ".tif", ".tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("unsupported snapshot format %q (use .bmp or .tiff)", filepath.Ext(path))
	}
}

// Image returns the frame as an 8-bit grayscale image. A dual-region frame
// is laid out with the secondary region to the right of the primary.
func Image(f plugin.Frame) (*image.Gray, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p, s := f.Primary, f.Secondary
	w := int(p.Width + s.Width)
	h := int(max(p.Height, s.Height))
	img := image.NewGray(image.Rect(0, 0, w, h))

	blit(img, 0, f.Data[:p.Size()], int(p.Width), int(p.Height))
	if !s.IsZero() {
		blit(img, int(p.Width), f.Data[p.Size():], int(s.Width), int(s.Height))
	}
	return img, nil
}

func blit(img *image.Gray, x0 int, src []byte, w, h int) {
	for y := range h {
		copy(img.Pix[y*img.Stride+x0:], src[y*w:(y+1)*w])
	}
}

// WriteSnapshot encodes f to w.
func WriteSnapshot(w io.Writer, f plugin.Frame, format Format) error {
	img, err := Image(f)
	if err != nil {
		return err
	}
	switch format {
	case FormatBMP:
		err = bmp.Encode(w, img)
	case FormatTIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported snapshot format %q", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", format, err)
	}
	return nil
}
