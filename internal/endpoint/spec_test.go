package endpoint

import (
	"strings"
	"testing"
)

func TestParseBasicSpec(t *testing.T) {
	text := "POST http://x\nContent-Type: application/json\n\n{\"p\":\"<<PROMPT>>\"}"
	spec, err := Parse(text)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if spec.Method != "POST" {
		t.Fatalf("expected POST, got %s", spec.Method)
	}
	if spec.URL != "http://x" {
		t.Fatalf("unexpected URL %s", spec.URL)
	}
	if len(spec.Headers) != 1 || spec.Headers[0].Key != "Content-Type" || spec.Headers[0].Value != "application/json" {
		t.Fatalf("unexpected headers %+v", spec.Headers)
	}
	if spec.Body != `{"p":"<<PROMPT>>"}` {
		t.Fatalf("unexpected body %q", spec.Body)
	}
	if spec.RequiresImage || spec.RequiresAudio || spec.RequiresFiles {
		t.Fatalf("unexpected payload requirements: %+v", spec)
	}
}

func TestParseBodyJoinedWithoutNewlines(t *testing.T) {
	text := "POST http://x\n\n{\"a\":1,\n\"p\":\"<<PROMPT>>\"}"
	spec, err := Parse(text)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if strings.Contains(spec.Body, "\n") {
		t.Fatalf("body must not contain newlines: %q", spec.Body)
	}
	if spec.Body != `{"a":1,"p":"<<PROMPT>>"}` {
		t.Fatalf("unexpected body %q", spec.Body)
	}
}

func TestParseRejectsBadFirstLine(t *testing.T) {
	if _, err := Parse("POST"); err == nil {
		t.Fatal("expected error for first line without URL")
	}
	if _, err := Parse("POST http://x extra"); err == nil {
		t.Fatal("expected error for first line with three tokens")
	}
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty spec")
	}
}

func TestParseRejectsHeaderWithoutSeparator(t *testing.T) {
	_, err := Parse("POST http://x\nAuthorization Bearer abc\n\nbody")
	if err == nil {
		t.Fatal("expected error for header line without \": \" separator")
	}
	specErr, ok := err.(*SpecError)
	if !ok {
		t.Fatalf("expected *SpecError, got %T", err)
	}
	if specErr.Line != 2 {
		t.Fatalf("expected error on line 2, got %d", specErr.Line)
	}
}

func TestParseDerivedPayloadFlags(t *testing.T) {
	spec, err := Parse("POST http://x\n\n{\"img\":\"<<BASE64_IMAGE>>\",\"aud\":\"<<BASE64_AUDIO>>\"}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !spec.RequiresImage || !spec.RequiresAudio {
		t.Fatalf("expected image and audio requirements, got %+v", spec)
	}

	spec, err = Parse("POST http://x\nContent-Type: multipart/form-data\n\nignored")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !spec.RequiresFiles {
		t.Fatal("expected file requirement from multipart content type")
	}
}

func TestResolveHeadersEnvSubstitution(t *testing.T) {
	spec := Spec{Headers: []Header{
		{Key: "Authorization", Value: "$SCAN_API_KEY"},
		{Key: "X-Missing", Value: "$SCAN_UNSET_VALUE"},
		{Key: "Accept", Value: "application/json"},
	}}
	lookup := func(name string) (string, bool) {
		if name == "SCAN_API_KEY" {
			return "Bearer secret", true
		}
		return "", false
	}
	resolved := spec.resolveHeaders(lookup)
	if resolved[0].Value != "Bearer secret" {
		t.Fatalf("expected env substitution, got %q", resolved[0].Value)
	}
	if resolved[1].Value != "null" {
		t.Fatalf("expected null for unset env var, got %q", resolved[1].Value)
	}
	if resolved[2].Value != "application/json" {
		t.Fatalf("literal header must pass through, got %q", resolved[2].Value)
	}
}

func TestEscapePrompt(t *testing.T) {
	escaped := EscapePrompt("He said \"hi\"\n")
	if escaped != `He said \"hi\"\n` {
		t.Fatalf("unexpected escape result %q", escaped)
	}
	if strings.ContainsAny(escaped, "\n\r\t") {
		t.Fatalf("escaped prompt contains raw control characters: %q", escaped)
	}
}

func TestEscapePromptBackslashNotDoubleEscaped(t *testing.T) {
	escaped := EscapePrompt(`back\slash`)
	if escaped != `back\\slash` {
		t.Fatalf("unexpected escape result %q", escaped)
	}
	escaped = EscapePrompt("\\\n")
	if escaped != `\\\n` {
		t.Fatalf("expected backslash then newline escape, got %q", escaped)
	}
}
