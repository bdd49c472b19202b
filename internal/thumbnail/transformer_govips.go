//go:build govips && cgo

package thumbnail

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsTransformer struct{}

func (t govipsTransformer) Thumbnail(ctx context.Context, input []byte, width int, format string, quality int) ([]byte, string, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, 0, ctx.Err()
	default:
	}
	if width <= 0 {
		return nil, "", 0, 0, errors.New("thumbnail width must be positive")
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()

	if img.Width() <= 0 {
		return nil, "", 0, 0, errors.New("frame has invalid dimensions")
	}
	if width < img.Width() {
		if err := img.Resize(float64(width)/float64(img.Width()), vips.KernelLanczos3); err != nil {
			return nil, "", 0, 0, fmt.Errorf("resize frame: %w", err)
		}
	}

	format = normalizeFormat(format)
	data, err := exportGovipsImage(img, format, quality)
	if err != nil {
		return nil, "", 0, 0, err
	}
	return data, format, img.Width(), img.Height(), nil
}

func exportGovipsImage(img *vips.ImageRef, format string, quality int) ([]byte, error) {
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
