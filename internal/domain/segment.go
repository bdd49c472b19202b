package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MinPromptLength = 10
	MaxPromptLength = 2000

	MinSegmentSeconds     = 5
	MaxSegmentSeconds     = 120
	DefaultSegmentSeconds = 30

	AspectRatioLandscape = "16:9"
	AspectRatioPortrait  = "9:16"
	AspectRatioSquare    = "1:1"
)

// CreateSegmentRequest is what the segment-creation workflow receives when a
// user grows a scene by one segment.
type CreateSegmentRequest struct {
	SegmentID       string `json:"segmentId"`
	ParentSegmentID string `json:"parentSegmentId,omitempty"`
	Prompt          string `json:"prompt"`
	IsInitial       bool   `json:"isInitial"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

func (r *CreateSegmentRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.SegmentID = strings.TrimSpace(r.SegmentID)
	r.AspectRatio = strings.TrimSpace(r.AspectRatio)
	if r.AspectRatio == "" {
		r.AspectRatio = AspectRatioLandscape
	}
	if r.DurationSeconds == 0 {
		r.DurationSeconds = DefaultSegmentSeconds
	}
	if r.Priority == 0 {
		r.Priority = PriorityNormal
	}
}

func (r CreateSegmentRequest) Validate() error {
	if r.SegmentID == "" {
		return fmt.Errorf("%w: segmentId is required", ErrInvalidPayload)
	}
	n := utf8.RuneCountInString(r.Prompt)
	if n < MinPromptLength {
		return fmt.Errorf("%w: prompt must be at least %d characters", ErrInvalidPayload, MinPromptLength)
	}
	if n > MaxPromptLength {
		return fmt.Errorf("%w: prompt must be at most %d characters", ErrInvalidPayload, MaxPromptLength)
	}
	switch r.AspectRatio {
	case AspectRatioLandscape, AspectRatioPortrait, AspectRatioSquare:
	default:
		return fmt.Errorf("%w: unsupported aspectRatio: %s", ErrInvalidPayload, r.AspectRatio)
	}
	if r.DurationSeconds < MinSegmentSeconds || r.DurationSeconds > MaxSegmentSeconds {
		return fmt.Errorf("%w: durationSeconds must be between %d and %d", ErrInvalidPayload, MinSegmentSeconds, MaxSegmentSeconds)
	}
	if r.Priority < PriorityUrgent || r.Priority > PriorityLow {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidPayload, PriorityUrgent, PriorityLow)
	}
	return nil
}

func (r CreateSegmentRequest) Params(sceneID string) JobParams {
	return JobParams{Segment: &SegmentParams{
		SceneID:         sceneID,
		SegmentID:       r.SegmentID,
		ParentSegmentID: r.ParentSegmentID,
		Prompt:          r.Prompt,
		IsInitial:       r.IsInitial,
		AspectRatio:     r.AspectRatio,
		DurationSeconds: r.DurationSeconds,
	}}
}
