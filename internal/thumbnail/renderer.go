package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/storage"
)

const defaultQuality = 82

type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// Renderer turns a stored segment frame into a thumbnail next to it in the
// object store.
type Renderer struct {
	objects     ObjectStore
	transformer Transformer
}

func NewRenderer(objects ObjectStore) (*Renderer, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	return &Renderer{objects: objects, transformer: newTransformer()}, nil
}

func (r *Renderer) Render(ctx context.Context, params domain.ThumbnailParams) (domain.ThumbnailResult, error) {
	if strings.TrimSpace(params.FrameKey) == "" {
		return domain.ThumbnailResult{}, fmt.Errorf("%w: frameKey is required", domain.ErrInvalidPayload)
	}

	frame, err := r.objects.ReadObject(ctx, params.FrameKey)
	if err != nil {
		return domain.ThumbnailResult{}, fmt.Errorf("fetch frame: %w", err)
	}

	data, format, width, height, err := r.transformer.Thumbnail(ctx, frame, params.Width, strings.ToLower(strings.TrimSpace(params.Format)), defaultQuality)
	if err != nil {
		return domain.ThumbnailResult{}, fmt.Errorf("render thumbnail: %w", err)
	}

	key := storage.ThumbnailObjectKey(params.SceneID, params.SegmentID, extension(format))
	if err := r.objects.WriteObject(ctx, key, data, contentTypeForFormat(format)); err != nil {
		return domain.ThumbnailResult{}, fmt.Errorf("store thumbnail: %w", err)
	}

	return domain.ThumbnailResult{
		ObjectKey: key,
		Format:    format,
		Width:     width,
		Height:    height,
		Bytes:     len(data),
	}, nil
}
