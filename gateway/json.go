package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/attrnorm/jsonrepair"
	"github.com/tidwall/gjson"
)

// Completion describes a successful structured completion.
type Completion struct {
	Raw      string // text as returned by the service
	Repaired bool   // true when truncation repair was needed to parse it
}

// ParseError is returned when the reply is not valid JSON even after repair.
type ParseError struct {
	Raw      string
	Repaired string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// CompleteJSON calls g and decodes the reply into out. A reply cut off
// mid-document is repaired once before giving up.
func CompleteJSON(ctx context.Context, g Gateway, systemPrompt, userPrompt string, p ModelParams, out any) (Completion, error) {
	raw, err := g.Complete(ctx, systemPrompt, userPrompt, p)
	if err != nil {
		return Completion{}, err
	}
	c := Completion{Raw: raw}

	text := StripFence(raw)
	if !gjson.Valid(text) {
		repaired := jsonrepair.Repair(text)
		if !gjson.Valid(repaired) {
			return c, &ParseError{Raw: raw, Repaired: repaired, Err: syntaxCause(repaired)}
		}
		text = repaired
		c.Repaired = true
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		pe := &ParseError{Raw: raw, Err: err}
		if c.Repaired {
			pe.Repaired = text
		}
		return c, pe
	}
	return c, nil
}

// Parseable reports whether text holds a JSON document CompleteJSON could
// decode, after fence stripping and truncation repair.
func Parseable(text string) bool {
	text = StripFence(text)
	return gjson.Valid(text) || gjson.Valid(jsonrepair.Repair(text))
}

func syntaxCause(text string) error {
	if se := jsonrepair.Locate([]byte(text)); se != nil {
		return se
	}
	return errors.New("invalid JSON")
}

// StripFence removes a surrounding markdown code fence, if any. An opening
// fence without a closing one is also removed.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimLeft(s, "`")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
