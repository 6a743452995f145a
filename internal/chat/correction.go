package chat

import (
	"errors"
	"fmt"
	"strings"
)

// CorrectionType classifies a suggested improvement.
type CorrectionType string

// Correction categories.
const (
	CorrectionGrammar    CorrectionType = "Grammar"
	CorrectionVocabulary CorrectionType = "Vocabulary"
	CorrectionClarity    CorrectionType = "Clarity"
	CorrectionCohesion   CorrectionType = "Cohesion"
)

// ParseCorrectionType matches s case-insensitively against the known
// categories.
func ParseCorrectionType(s string) (CorrectionType, bool) {
	for _, ct := range []CorrectionType{CorrectionGrammar, CorrectionVocabulary, CorrectionClarity, CorrectionCohesion} {
		if strings.EqualFold(strings.TrimSpace(s), string(ct)) {
			return ct, true
		}
	}
	return "", false
}

// Correction is the correction agent's verdict on one user message. It
// is a two-variant union discriminated by HasSuggestion: a suggestion
// carries Original, Corrected, Explanation, Type and optional
// Alternatives; the no-suggestion variant carries only Feedback.
type Correction struct {
	HasSuggestion bool           `json:"has_suggestion"`
	Original      string         `json:"original,omitempty"`
	Corrected     string         `json:"corrected,omitempty"`
	Explanation   string         `json:"explanation,omitempty"`
	Type          CorrectionType `json:"correction_type,omitempty"`
	Alternatives  []string       `json:"alternatives,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
}

// NewSuggestion builds the suggestion variant.
func NewSuggestion(original, corrected, explanation string, ct CorrectionType, alternatives ...string) Correction {
	return Correction{
		HasSuggestion: true,
		Original:      original,
		Corrected:     corrected,
		Explanation:   explanation,
		Type:          ct,
		Alternatives:  alternatives,
	}
}

// NoSuggestion builds the no-suggestion variant.
func NoSuggestion(feedback string) Correction {
	return Correction{Feedback: feedback}
}

// Rewrite returns the corrected text when this is a suggestion with a
// non-empty correction.
func (c Correction) Rewrite() (string, bool) {
	if c.HasSuggestion && strings.TrimSpace(c.Corrected) != "" {
		return c.Corrected, true
	}
	return "", false
}

// Validate checks that the fields match the variant.
func (c Correction) Validate() error {
	if !c.HasSuggestion {
		if c.Corrected != "" || c.Original != "" {
			return errors.New("no-suggestion correction carries suggestion fields")
		}
		return nil
	}
	var errs []error
	if strings.TrimSpace(c.Corrected) == "" {
		errs = append(errs, errors.New("suggestion has no corrected text"))
	}
	if _, ok := ParseCorrectionType(string(c.Type)); !ok {
		errs = append(errs, fmt.Errorf("unknown correction_type %q", c.Type))
	}
	return errors.Join(errs...)
}
