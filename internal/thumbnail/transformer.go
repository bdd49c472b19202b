package thumbnail

import "context"

// Transformer scales a decoded frame down to a target width and re-encodes it.
type Transformer interface {
	Thumbnail(ctx context.Context, input []byte, width int, format string, quality int) (data []byte, outFormat string, w, h int, err error)
}

func normalizeFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png", "webp":
		return format
	default:
		return "jpeg"
	}
}

func contentTypeForFormat(format string) string {
	switch normalizeFormat(format) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// extension is used in object keys.
func extension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
