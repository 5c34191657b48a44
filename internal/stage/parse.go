package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

const (
	minScore     = 1.0
	maxScore     = 10.0
	neutralScore = 5.0
)

// sanitize drops non-printable characters except newlines and tabs and
// truncates to max runes, marking the cut with "...".
func sanitize(s string, max int) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		if !unicode.IsPrint(r) && r != '\n' && r != '\t' {
			continue
		}
		if n == max {
			b.WriteString("...")
			return b.String()
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// truncate cuts to max runes without marking.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func clampScore(v float64) float64 {
	return math.Max(minScore, math.Min(maxScore, v))
}

// parseScore reads a bare number and clamps it to [1,10]. Anything else yields 5.0.
func parseScore(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) {
		if err == nil {
			err = errors.New("not a number")
		}
		return neutralScore, &GenerativeParseError{Target: "score", Err: err}
	}
	return clampScore(v), nil
}

// parseScoreTriple reads "novelty,feasibility,impact".
func parseScoreTriple(raw string) (IdeaScores, error) {
	neutral := IdeaScores{Novelty: neutralScore, Feasibility: neutralScore, Impact: neutralScore}
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 3 {
		return neutral, &GenerativeParseError{Target: "idea scores", Err: fmt.Errorf("expected 3 values, got %d", len(parts))}
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) {
			if err == nil {
				err = errors.New("not a number")
			}
			return neutral, &GenerativeParseError{Target: "idea scores", Err: err}
		}
		vals[i] = clampScore(v)
	}
	return IdeaScores{Novelty: vals[0], Feasibility: vals[1], Impact: vals[2]}, nil
}

// stripFences removes a wrapping ``` block by dropping the first and last lines.
func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return ""
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// parseStructured decodes a JSON object into T and validates it. On any
// failure it returns fallback together with the parse error.
func parseStructured[T any](raw string, fallback T) (T, error) {
	var out T
	target := reflect.TypeOf(out).Name()
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return fallback, &GenerativeParseError{Target: target, Err: err}
	}
	if err := validate.Struct(out); err != nil {
		return fallback, &GenerativeParseError{Target: target, Err: err}
	}
	return out, nil
}

// text accepts a JSON string or, when a completion returns structure where
// prose was asked for, the compact JSON of that value.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(s)
		return nil
	}
	if string(b) == "null" {
		*t = ""
		return nil
	}
	*t = text(b)
	return nil
}

// stringList accepts a JSON array of strings. Any other shape decodes to empty.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		*l = []string{}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch x := v.(type) {
		case string:
			out = append(out, x)
		case nil:
		default:
			out = append(out, fmt.Sprint(x))
		}
	}
	*l = out
	return nil
}

func (l stringList) values() []string {
	if l == nil {
		return []string{}
	}
	return []string(l)
}
