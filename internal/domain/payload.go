package domain

import (
	"fmt"
	"strings"
)

// JobParams carries the routing and generation parameters of a job. Exactly
// one variant is set and it must match the job type.
type JobParams struct {
	Segment   *SegmentParams   `json:"segment,omitempty"`
	Compile   *CompileParams   `json:"compile,omitempty"`
	Thumbnail *ThumbnailParams `json:"thumbnail,omitempty"`
}

type SegmentParams struct {
	SceneID         string `json:"sceneId"`
	SegmentID       string `json:"segmentId"`
	ParentSegmentID string `json:"parentSegmentId,omitempty"`
	Prompt          string `json:"prompt"`
	IsInitial       bool   `json:"isInitial"`
	AspectRatio     string `json:"aspectRatio"`
	DurationSeconds int    `json:"durationSeconds"`
}

type CompileParams struct {
	SceneID    string   `json:"sceneId"`
	SegmentIDs []string `json:"segmentIds"`
}

type ThumbnailParams struct {
	SceneID   string `json:"sceneId"`
	SegmentID string `json:"segmentId"`
	FrameKey  string `json:"frameKey"`
	Width     int    `json:"width"`
	Format    string `json:"format,omitempty"`
}

func (p JobParams) set() int {
	n := 0
	if p.Segment != nil {
		n++
	}
	if p.Compile != nil {
		n++
	}
	if p.Thumbnail != nil {
		n++
	}
	return n
}

func (p JobParams) Validate(jobType JobType) error {
	if p.set() != 1 {
		return fmt.Errorf("%w: exactly one params variant is required", ErrInvalidPayload)
	}

	switch jobType {
	case JobTypeGenerateSegment:
		if p.Segment == nil {
			return fmt.Errorf("%w: %s requires segment params", ErrInvalidPayload, jobType)
		}
		if strings.TrimSpace(p.Segment.SceneID) == "" || strings.TrimSpace(p.Segment.SegmentID) == "" {
			return fmt.Errorf("%w: sceneId and segmentId are required", ErrInvalidPayload)
		}
	case JobTypeCompileScene:
		if p.Compile == nil {
			return fmt.Errorf("%w: %s requires compile params", ErrInvalidPayload, jobType)
		}
		if strings.TrimSpace(p.Compile.SceneID) == "" {
			return fmt.Errorf("%w: sceneId is required", ErrInvalidPayload)
		}
	case JobTypeGenerateThumbnail:
		if p.Thumbnail == nil {
			return fmt.Errorf("%w: %s requires thumbnail params", ErrInvalidPayload, jobType)
		}
		if strings.TrimSpace(p.Thumbnail.FrameKey) == "" {
			return fmt.Errorf("%w: frameKey is required", ErrInvalidPayload)
		}
		if p.Thumbnail.Width <= 0 {
			return fmt.Errorf("%w: thumbnail width must be positive", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unsupported job type %q", ErrInvalidPayload, jobType)
	}
	return nil
}

func (p JobParams) routing() (sceneID, segmentID string) {
	switch {
	case p.Segment != nil:
		return p.Segment.SceneID, p.Segment.SegmentID
	case p.Compile != nil:
		return p.Compile.SceneID, ""
	case p.Thumbnail != nil:
		return p.Thumbnail.SceneID, p.Thumbnail.SegmentID
	}
	return "", ""
}

// JobResult is the outcome a worker reports on completion. Like JobParams it
// holds exactly one variant matching the job type.
type JobResult struct {
	Segment   *SegmentResult   `json:"segment,omitempty"`
	Compile   *CompileResult   `json:"compile,omitempty"`
	Thumbnail *ThumbnailResult `json:"thumbnail,omitempty"`
}

type SegmentResult struct {
	SegmentID       string  `json:"segmentId"`
	VideoURL        string  `json:"videoUrl"`
	HLSURL          string  `json:"hlsUrl,omitempty"`
	ThumbnailURL    string  `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Model           string  `json:"model,omitempty"`
}

type CompileResult struct {
	PlaylistURL     string  `json:"playlistUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
	SegmentCount    int     `json:"segmentCount"`
}

type ThumbnailResult struct {
	ObjectKey string `json:"objectKey"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
}

func (r JobResult) Validate(jobType JobType) error {
	n := 0
	for _, set := range []bool{r.Segment != nil, r.Compile != nil, r.Thumbnail != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: exactly one result variant is required", ErrInvalidPayload)
	}

	switch jobType {
	case JobTypeGenerateSegment:
		if r.Segment == nil {
			return fmt.Errorf("%w: %s requires a segment result", ErrInvalidPayload, jobType)
		}
		if strings.TrimSpace(r.Segment.VideoURL) == "" {
			return fmt.Errorf("%w: videoUrl is required", ErrInvalidPayload)
		}
	case JobTypeCompileScene:
		if r.Compile == nil {
			return fmt.Errorf("%w: %s requires a compile result", ErrInvalidPayload, jobType)
		}
	case JobTypeGenerateThumbnail:
		if r.Thumbnail == nil {
			return fmt.Errorf("%w: %s requires a thumbnail result", ErrInvalidPayload, jobType)
		}
	default:
		return fmt.Errorf("%w: unsupported job type %q", ErrInvalidPayload, jobType)
	}
	return nil
}
