package domain

import (
	"fmt"
	"strings"
	"time"
)

type CharacterStatus string

const (
	CharacterAlive    CharacterStatus = "alive"
	CharacterDeceased CharacterStatus = "deceased"
	CharacterUnknown  CharacterStatus = "unknown"
)

type RuleType string

const (
	RuleHard RuleType = "hard"
	RuleSoft RuleType = "soft"
)

// SceneBible is the versioned continuity document of one scene. Version 0
// means nothing has been persisted yet.
type SceneBible struct {
	SceneID       string                 `json:"sceneId"`
	Version       int                    `json:"version"`
	Characters    map[string]Character   `json:"characters"`
	Locations     map[string]Location    `json:"locations"`
	Objects       map[string]StoryObject `json:"objects"`
	Timeline      []TimelineEvent        `json:"timeline"`
	Relationships []Relationship         `json:"relationships"`
	Rules         []StoryRule            `json:"rules"`
	UpdatedAt     *time.Time             `json:"updatedAt,omitempty"`
}

type SegmentRef struct {
	SegmentID string `json:"segmentId"`
	Sequence  int    `json:"sequence"`
}

type Character struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Aliases             []string            `json:"aliases,omitempty"`
	Description         string              `json:"description,omitempty"`
	PhysicalDescription PhysicalDescription `json:"physicalDescription"`
	Personality         []string            `json:"personality,omitempty"`
	FirstAppearance     *SegmentRef         `json:"firstAppearance,omitempty"`
	ReferenceFrames     []string            `json:"referenceFrames,omitempty"`
	Status              CharacterStatus     `json:"status"`
}

type PhysicalDescription struct {
	Age                    string   `json:"age,omitempty"`
	Build                  string   `json:"build,omitempty"`
	HairColor              string   `json:"hairColor,omitempty"`
	EyeColor               string   `json:"eyeColor,omitempty"`
	DistinguishingFeatures []string `json:"distinguishingFeatures,omitempty"`
}

type Location struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Features        []string    `json:"features,omitempty"`
	FirstAppearance *SegmentRef `json:"firstAppearance,omitempty"`
}

type StoryObject struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CurrentOwner    string `json:"currentOwner,omitempty"`
	CurrentLocation string `json:"currentLocation,omitempty"`
}

type TimelineEvent struct {
	SegmentID    string   `json:"segmentId,omitempty"`
	SegmentIndex int      `json:"segmentIndex"`
	Description  string   `json:"description"`
	Timestamp    string   `json:"timestamp,omitempty"`
	Characters   []string `json:"characters,omitempty"`
	LocationID   string   `json:"locationId,omitempty"`
}

type Relationship struct {
	Character1  string `json:"character1"`
	Character2  string `json:"character2"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type StoryRule struct {
	ID   string   `json:"id"`
	Rule string   `json:"rule"`
	Type RuleType `json:"type"`
}

// BiblePatch is a partial update. Nil fields are left untouched; a set field
// replaces the stored value wholesale.
type BiblePatch struct {
	Characters    map[string]Character   `json:"characters,omitempty"`
	Locations     map[string]Location    `json:"locations,omitempty"`
	Objects       map[string]StoryObject `json:"objects,omitempty"`
	Timeline      []TimelineEvent        `json:"timeline,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	Rules         []StoryRule            `json:"rules,omitempty"`
}

func (p BiblePatch) Empty() bool {
	return p.Characters == nil && p.Locations == nil && p.Objects == nil &&
		p.Timeline == nil && p.Relationships == nil && p.Rules == nil
}

func NewSceneBible(sceneID string) SceneBible {
	return SceneBible{
		SceneID:       sceneID,
		Characters:    map[string]Character{},
		Locations:     map[string]Location{},
		Objects:       map[string]StoryObject{},
		Timeline:      []TimelineEvent{},
		Relationships: []Relationship{},
		Rules:         []StoryRule{},
	}
}

// Normalize replaces nil collections with empty ones so decoded documents
// behave like freshly synthesized ones.
func (b *SceneBible) Normalize() {
	if b.Characters == nil {
		b.Characters = map[string]Character{}
	}
	if b.Locations == nil {
		b.Locations = map[string]Location{}
	}
	if b.Objects == nil {
		b.Objects = map[string]StoryObject{}
	}
	if b.Timeline == nil {
		b.Timeline = []TimelineEvent{}
	}
	if b.Relationships == nil {
		b.Relationships = []Relationship{}
	}
	if b.Rules == nil {
		b.Rules = []StoryRule{}
	}
}

// Apply merges the provided top-level fields into b. It does not touch the
// version.
func (b *SceneBible) Apply(p BiblePatch) {
	if p.Characters != nil {
		b.Characters = p.Characters
	}
	if p.Locations != nil {
		b.Locations = p.Locations
	}
	if p.Objects != nil {
		b.Objects = p.Objects
	}
	if p.Timeline != nil {
		b.Timeline = p.Timeline
	}
	if p.Relationships != nil {
		b.Relationships = p.Relationships
	}
	if p.Rules != nil {
		b.Rules = p.Rules
	}
	b.Normalize()
}

// Clone returns a deep enough copy that mutating its maps and slices leaves
// b untouched.
func (b SceneBible) Clone() SceneBible {
	out := b
	out.Characters = make(map[string]Character, len(b.Characters))
	for k, v := range b.Characters {
		out.Characters[k] = v
	}
	out.Locations = make(map[string]Location, len(b.Locations))
	for k, v := range b.Locations {
		out.Locations[k] = v
	}
	out.Objects = make(map[string]StoryObject, len(b.Objects))
	for k, v := range b.Objects {
		out.Objects[k] = v
	}
	out.Timeline = append([]TimelineEvent{}, b.Timeline...)
	out.Relationships = append([]Relationship{}, b.Relationships...)
	out.Rules = append([]StoryRule{}, b.Rules...)
	return out
}

func (c Character) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: character id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: character name is required", ErrInvalidPayload)
	}
	switch c.Status {
	case "", CharacterAlive, CharacterDeceased, CharacterUnknown:
	default:
		return fmt.Errorf("%w: unsupported character status %q", ErrInvalidPayload, c.Status)
	}
	return nil
}

func (l Location) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return fmt.Errorf("%w: location id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: location name is required", ErrInvalidPayload)
	}
	return nil
}

func (o StoryObject) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: object id is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("%w: object name is required", ErrInvalidPayload)
	}
	return nil
}

func (e TimelineEvent) Validate() error {
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("%w: timeline event description is required", ErrInvalidPayload)
	}
	if e.SegmentIndex < 0 {
		return fmt.Errorf("%w: segmentIndex must not be negative", ErrInvalidPayload)
	}
	return nil
}

func (r StoryRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Rule) == "" {
		return fmt.Errorf("%w: rule id and text are required", ErrInvalidPayload)
	}
	switch r.Type {
	case RuleHard, RuleSoft:
	default:
		return fmt.Errorf("%w: unsupported rule type %q", ErrInvalidPayload, r.Type)
	}
	return nil
}

// Clone copies the provided collections, keeping nil fields nil.
func (p BiblePatch) Clone() BiblePatch {
	var out BiblePatch
	if p.Characters != nil {
		out.Characters = make(map[string]Character, len(p.Characters))
		for k, v := range p.Characters {
			out.Characters[k] = v
		}
	}
	if p.Locations != nil {
		out.Locations = make(map[string]Location, len(p.Locations))
		for k, v := range p.Locations {
			out.Locations[k] = v
		}
	}
	if p.Objects != nil {
		out.Objects = make(map[string]StoryObject, len(p.Objects))
		for k, v := range p.Objects {
			out.Objects[k] = v
		}
	}
	if p.Timeline != nil {
		out.Timeline = append([]TimelineEvent{}, p.Timeline...)
	}
	if p.Relationships != nil {
		out.Relationships = append([]Relationship{}, p.Relationships...)
	}
	if p.Rules != nil {
		out.Rules = append([]StoryRule{}, p.Rules...)
	}
	return out
}
