package cob

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReviewEdit is one summary edit folded into a review's state.
type ReviewEdit struct {
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Embeds    []Embed   `json:"embeds,omitempty"`
}

// ReviewState is the evaluated state of a "review" collaborative object: the
// ordered history of summary edits.
type ReviewState struct {
	Edits []ReviewEdit
}

// SchemaVersion identifies the cache encoding of ReviewState.
func (ReviewState) SchemaVersion() int { return 2 }

// reviewEditContents is the wire shape of a review.edit change's Contents.
// Summary is schema-flexible: null, a bare string (v1), or a non-empty list
// of edits (v2), per spec.md §4.7 "Migration-aware deserialization".
type reviewEditContents struct {
	Summary json.RawMessage `json:"summary"`
}

type editWire struct {
	Body      string      `json:"body"`
	Author    string      `json:"author,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Embeds    []embedWire `json:"embeds,omitempty"`
}

// ErrEmptyReview is returned when a review.edit change's summary decodes to
// zero edits, which the evaluator rejects (spec.md §4.7 "evaluator may
// reject an action (e.g., EmptyReview)").
var ErrEmptyReview = fmt.Errorf("cob: review edit has no summary")

// decodeSummary lifts a v1 or v2 encoded summary field into a list of
// ReviewEdit, defaulting author/timestamp to the enclosing change's when a
// v1 scalar form is lifted.
func decodeSummary(raw json.RawMessage, defaultAuthor string, defaultAt time.Time) ([]ReviewEdit, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []ReviewEdit{{Body: asString, Author: defaultAuthor, Timestamp: defaultAt}}, nil
	}

	var asList []editWire
	if err := json.Unmarshal(raw, &asList); err == nil {
		if len(asList) == 0 {
			return nil, ErrEmptyReview
		}
		edits := make([]ReviewEdit, len(asList))
		for i, w := range asList {
			author := w.Author
			if author == "" {
				author = defaultAuthor
			}
			at := defaultAt
			if w.Timestamp != 0 {
				at = time.Unix(w.Timestamp, 0).UTC()
			}
			embeds := make([]Embed, len(w.Embeds))
			for j, e := range w.Embeds {
				embeds[j] = Embed{Name: e.Name}
			}
			edits[i] = ReviewEdit{Body: w.Body, Author: author, Timestamp: at, Embeds: embeds}
		}
		return edits, nil
	}

	return nil, fmt.Errorf("cob: review summary is neither null, string, nor edit list")
}

// ReviewEvaluator folds review.edit changes into a ReviewState.
type ReviewEvaluator struct{}

// TypeName identifies this evaluator's collaborative-object type.
func (ReviewEvaluator) TypeName() string { return "review" }

// Zero returns an empty ReviewState.
func (ReviewEvaluator) Zero() State { return &ReviewState{} }

// Apply folds one review.edit change into state.
func (ReviewEvaluator) Apply(state State, change Change) (State, error) {
	rs, ok := state.(*ReviewState)
	if !ok {
		return nil, fmt.Errorf("cob: review evaluator received non-review state %T", state)
	}

	var contents reviewEditContents
	if err := json.Unmarshal(change.Contents, &contents); err != nil {
		return nil, fmt.Errorf("cob: decode review.edit contents: %w", err)
	}
	edits, err := decodeSummary(contents.Summary, change.Author, change.Timestamp)
	if err != nil {
		return nil, err
	}

	next := &ReviewState{Edits: append(append([]ReviewEdit{}, rs.Edits...), edits...)}
	return next, nil
}

// MarshalState serializes a ReviewState for the cache.
func (ReviewEvaluator) MarshalState(s State) ([]byte, error) {
	rs, ok := s.(*ReviewState)
	if !ok {
		return nil, fmt.Errorf("cob: marshal: not a ReviewState: %T", s)
	}
	return json.Marshal(rs)
}

// UnmarshalState deserializes a ReviewState from the cache.
func (ReviewEvaluator) UnmarshalState(data []byte) (State, error) {
	var rs ReviewState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("cob: unmarshal review state: %w", err)
	}
	return &rs, nil
}
