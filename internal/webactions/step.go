// Package webactions turns tool instructions, scripted or free-form, into
// sequences of browser primitives with screenshot capture and AI-assisted
// step repair.
package webactions

import (
	"strconv"
	"strings"

	"github.com/websterhq/webster/internal/errdefs"
)

// Action is one browser primitive.
type Action string

const (
	ActionNavigate    Action = "NAVIGATE"
	ActionClick       Action = "CLICK"
	ActionType        Action = "TYPE"
	ActionWait        Action = "WAIT"
	ActionExtractText Action = "EXTRACT_TEXT"
	ActionScreenshot  Action = "SCREENSHOT"
	ActionScrollTo    Action = "SCROLL_TO"
	ActionClose       Action = "CLOSE"
)

// Step is one parsed script line.
type Step struct {
	Action   Action
	Selector string
	Value    string
	Raw      string
}

// ParseStep parses a single script line. Lines look like:
//
//	NAVIGATE https://example.com
//	CLICK text=Sign in
//	TYPE #email user@example.com
//	WAIT .results
//	WAIT 3
//	EXTRACT_TEXT .price
//	SCREENSHOT
//	SCROLL_TO #footer
//	CLOSE
//
// Leading list markers ("1.", "-", "*") are tolerated since model output
// tends to number its lines.
func ParseStep(line string) (Step, error) {
	raw := strings.TrimSpace(line)
	cleaned := stripListMarker(raw)
	if cleaned == "" {
		return Step{}, errdefs.New(errdefs.KindArgumentInvalid, "empty step")
	}

	verb, rest, _ := strings.Cut(cleaned, " ")
	rest = strings.TrimSpace(rest)
	step := Step{Action: Action(strings.ToUpper(verb)), Raw: raw}

	switch step.Action {
	case ActionNavigate:
		if !strings.HasPrefix(rest, "http://") && !strings.HasPrefix(rest, "https://") {
			return Step{}, errdefs.Newf(errdefs.KindArgumentInvalid, "navigate url must start with http or https, got %q", rest)
		}
		step.Value = rest
	case ActionClick:
		if rest == "" {
			return Step{}, errdefs.New(errdefs.KindArgumentInvalid, "click needs a selector or text")
		}
		step.Selector = rest
	case ActionType:
		selector, text, ok := strings.Cut(rest, " ")
		if !ok || selector == "" || strings.TrimSpace(text) == "" {
			return Step{}, errdefs.New(errdefs.KindArgumentInvalid, "type needs a selector and text")
		}
		step.Selector = selector
		step.Value = strings.TrimSpace(text)
	case ActionWait:
		if rest == "" {
			return Step{}, errdefs.New(errdefs.KindArgumentInvalid, "wait needs a selector or a number of seconds")
		}
		if seconds, err := strconv.Atoi(rest); err == nil {
			if seconds <= 0 || seconds > 60 {
				return Step{}, errdefs.Newf(errdefs.KindArgumentInvalid, "wait seconds must be 1-60, got %d", seconds)
			}
			step.Value = rest
		} else {
			step.Selector = rest
		}
	case ActionExtractText:
		step.Selector = rest
	case ActionScreenshot, ActionClose:
		if rest != "" {
			return Step{}, errdefs.Newf(errdefs.KindArgumentInvalid, "%s takes no arguments, got %q", step.Action, rest)
		}
	case ActionScrollTo:
		if rest == "" {
			return Step{}, errdefs.New(errdefs.KindArgumentInvalid, "scroll_to needs a selector")
		}
		step.Selector = rest
	default:
		return Step{}, errdefs.Newf(errdefs.KindArgumentInvalid, "unknown action %q", verb)
	}
	return step, nil
}

// ParseScript parses a full script, one step per line. It fails on the
// first bad line so callers can tell a scripted input from free-form text.
func ParseScript(text string) ([]Step, error) {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "```") {
			continue
		}
		step, err := ParseStep(line)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// stripListMarker removes leading "1.", "2)", "-", "*" noise.
func stripListMarker(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "- ")
	s = strings.TrimPrefix(s, "* ")
	if i := strings.IndexAny(s, ".)"); i > 0 && i <= 3 {
		if _, err := strconv.Atoi(s[:i]); err == nil {
			s = strings.TrimSpace(s[i+1:])
		}
	}
	return s
}
