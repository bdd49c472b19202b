package continuity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dunamismax/sceneforge/internal/domain"
)

const (
	SeverityError   = "error"
	SeverityWarning = "warning"

	// contextWindow is how far around a character's first mention the
	// validator looks for attributes that describe them.
	contextWindow = 100
)

var (
	hairColors  = []string{"blonde", "brunette", "red", "black", "gray", "white"}
	actionVerbs = []string{"walks", "says", "runs", "speaks", "moves", "looks", "goes"}
)

type Violation struct {
	Type       string `json:"type"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	EntityID   string `json:"entityId,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

type AutoCorrection struct {
	Field     string `json:"field"`
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Reason    string `json:"reason"`
}

type ValidationResult struct {
	Valid           bool             `json:"isValid"`
	Violations      []Violation      `json:"violations"`
	AutoCorrections []AutoCorrection `json:"autoCorrections"`
}

// Validator checks a generated script against a scene's Bible. Only errors
// make a script invalid; warnings are advisory.
type Validator struct{}

func (Validator) Validate(script string, bible domain.SceneBible) ValidationResult {
	result := ValidationResult{
		Valid:           true,
		Violations:      []Violation{},
		AutoCorrections: []AutoCorrection{},
	}

	lower := strings.ToLower(script)
	ids := make([]string, 0, len(bible.Characters))
	for id := range bible.Characters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		character := bible.Characters[id]
		name := strings.ToLower(strings.TrimSpace(character.Name))
		if name == "" || !strings.Contains(lower, name) {
			continue
		}

		if want := character.PhysicalDescription.HairColor; want != "" {
			if wrong := wrongHairColor(lower, name, want); wrong != "" {
				result.Violations = append(result.Violations, Violation{
					Type:       SeverityError,
					Category:   "character",
					Message:    fmt.Sprintf("%s's hair is %s, but script mentions %s", character.Name, want, wrong),
					EntityID:   id,
					Suggestion: "Change to " + want,
				})
				result.AutoCorrections = append(result.AutoCorrections, AutoCorrection{
					Field:     "hair_color",
					Original:  wrong,
					Corrected: want,
					Reason:    "Maintaining character consistency for " + character.Name,
				})
			}
		}

		if character.Status == domain.CharacterDeceased && actsAlive(lower, name) {
			result.Violations = append(result.Violations, Violation{
				Type:     SeverityError,
				Category: "character",
				Message:  fmt.Sprintf("%s is deceased but appears active in the script", character.Name),
				EntityID: id,
			})
		}
	}

	for _, v := range result.Violations {
		if v.Type == SeverityError {
			result.Valid = false
			break
		}
	}
	return result
}

// ApplyCorrections rewrites every occurrence of each correction's original
// text, in order.
func ApplyCorrections(script string, corrections []AutoCorrection) string {
	for _, c := range corrections {
		if c.Original == "" {
			continue
		}
		script = strings.ReplaceAll(script, c.Original, c.Corrected)
	}
	return script
}

// wrongHairColor looks around the first mention of name for a hair color
// other than want. Both script and name are lower case.
func wrongHairColor(script, name, want string) string {
	pos := strings.Index(script, name)
	if pos < 0 {
		return ""
	}
	start := max(0, pos-contextWindow)
	end := min(len(script), pos+len(name)+contextWindow)
	window := script[start:end]
	if !strings.Contains(window, "hair") {
		return ""
	}

	want = strings.ToLower(want)
	for _, color := range hairColors {
		if color == want {
			continue
		}
		if wordPattern(color).MatchString(window) {
			return color
		}
	}
	return ""
}

func actsAlive(script, name string) bool {
	for _, verb := range actionVerbs {
		pattern := regexp.MustCompile(regexp.QuoteMeta(name) + `\s+` + verb + `\b`)
		if pattern.MatchString(script) {
			return true
		}
	}
	return false
}

func wordPattern(word string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
}
