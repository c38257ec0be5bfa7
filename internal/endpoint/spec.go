// Package endpoint parses textual HTTP endpoint specs and performs probe
// requests against the target completion API they describe.
package endpoint

import (
	"fmt"
	"os"
	"strings"
)

const (
	PromptPlaceholder = "<<PROMPT>>"
	ImagePlaceholder  = "<<BASE64_IMAGE>>"
	AudioPlaceholder  = "<<BASE64_AUDIO>>"
)

// SpecError reports a malformed endpoint spec. It is fatal to the whole
// scan: a spec that fails to parse is never retried.
type SpecError struct {
	Line   int
	Detail string
}

func (e *SpecError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid endpoint spec (line %d): %s", e.Line, e.Detail)
	}
	return "invalid endpoint spec: " + e.Detail
}

// Header is a single spec header. Order is preserved from the spec text.
type Header struct {
	Key   string
	Value string
}

// Spec is the parsed form of a textual endpoint template. It is immutable
// after Parse.
type Spec struct {
	Method  string
	URL     string
	Headers []Header
	Body    string

	RequiresFiles bool
	RequiresImage bool
	RequiresAudio bool
}

// Parse reads a spec of the form:
//
//	POST https://host/path
//	Header-Key: value
//
//	{"prompt": "<<PROMPT>>"}
//
// The first line must carry exactly a method and a URL. Header lines run
// until the first blank line and require a ": " separator. Everything after
// the blank line is concatenated into the body template without newlines.
func Parse(text string) (Spec, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return Spec{}, &SpecError{Line: 1, Detail: "empty spec"}
	}

	first := strings.Fields(strings.TrimSpace(lines[0]))
	if len(first) != 2 {
		return Spec{}, &SpecError{Line: 1, Detail: fmt.Sprintf("expected \"<METHOD> <URL>\", got %q", lines[0])}
	}
	spec := Spec{
		Method: strings.ToUpper(first[0]),
		URL:    first[1],
	}

	bodyStart := len(lines)
	for i := 1; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			bodyStart = i + 1
			break
		}
		key, value, found := strings.Cut(line, ": ")
		if !found || strings.TrimSpace(key) == "" {
			return Spec{}, &SpecError{Line: i + 1, Detail: fmt.Sprintf("header line %q is missing a \": \" separator", line)}
		}
		spec.Headers = append(spec.Headers, Header{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	if bodyStart < len(lines) {
		spec.Body = strings.Join(lines[bodyStart:], "")
	}

	spec.RequiresImage = strings.Contains(spec.Body, ImagePlaceholder)
	spec.RequiresAudio = strings.Contains(spec.Body, AudioPlaceholder)
	for _, h := range spec.Headers {
		if strings.EqualFold(h.Key, "Content-Type") && strings.Contains(strings.ToLower(h.Value), "multipart/form-data") {
			spec.RequiresFiles = true
		}
	}
	return spec, nil
}

// ResolvedHeaders returns the spec headers with $ENV_VAR values substituted
// from the environment. Substitution is a pass-through: a value beginning
// with "$" is replaced by the environment value of the remaining name, or
// the literal "null" when unset.
func (s Spec) ResolvedHeaders() []Header {
	return s.resolveHeaders(os.LookupEnv)
}

func (s Spec) resolveHeaders(lookup func(string) (string, bool)) []Header {
	out := make([]Header, 0, len(s.Headers))
	for _, h := range s.Headers {
		value := h.Value
		if strings.HasPrefix(value, "$") {
			env, ok := lookup(value[1:])
			if !ok {
				env = "null"
			}
			value = env
		}
		out = append(out, Header{Key: h.Key, Value: value})
	}
	return out
}

// EscapePrompt escapes a prompt for embedding inside a string literal in the
// body template. The replacer makes a single pass, so backslashes introduced
// by one replacement are never escaped again.
func EscapePrompt(prompt string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return replacer.Replace(prompt)
}
