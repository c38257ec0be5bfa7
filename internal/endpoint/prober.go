package endpoint

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ValidationError reports a probe that cannot be attempted because the spec
// requires a payload the caller did not supply. It fails the affected probe
// before any network call is made.
type ValidationError struct {
	Missing string
}

func (e *ValidationError) Error() string {
	return "spec requires a " + e.Missing + " payload but none was supplied"
}

// Payload carries the optional binary attachments a spec may demand.
type Payload struct {
	Image []byte
	Audio []byte
	Files map[string][]byte
}

// Response is the raw outcome of a single probe. The prober never interprets
// status codes; refusal/compliance is the classifier's concern.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Body)
}

type Config struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxBodyBytes   int64
}

// Prober performs the actual network call for a spec, substituting the prompt
// and any attachments into the body template.
type Prober struct {
	client       *http.Client
	maxBodyBytes int64
}

func NewProber(cfg Config) *Prober {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 30 * time.Second
	}
	total := cfg.TotalTimeout
	if total <= 0 {
		total = 90 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 4 << 20
	}
	dialer := &net.Dialer{Timeout: connect}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: total,
	}
	return &Prober{
		client: &http.Client{
			Timeout:   total,
			Transport: otelhttp.NewTransport(transport),
		},
		maxBodyBytes: maxBody,
	}
}

// Validate checks that the caller supplied every payload the spec requires.
// It runs before any network call so a missing attachment never costs a
// wasted request.
func Validate(spec Spec, payload *Payload) error {
	if spec.RequiresImage && (payload == nil || len(payload.Image) == 0) {
		return &ValidationError{Missing: "image"}
	}
	if spec.RequiresAudio && (payload == nil || len(payload.Audio) == 0) {
		return &ValidationError{Missing: "audio"}
	}
	if spec.RequiresFiles && (payload == nil || len(payload.Files) == 0) {
		return &ValidationError{Missing: "file"}
	}
	return nil
}

// Probe substitutes the prompt into the spec body, issues the HTTP call and
// returns the raw response. Transport failures are returned as-is for the
// caller to count as module failures.
func (p *Prober) Probe(ctx context.Context, spec Spec, prompt string, payload *Payload) (*Response, error) {
	if err := Validate(spec, payload); err != nil {
		return nil, err
	}

	body := strings.ReplaceAll(spec.Body, PromptPlaceholder, EscapePrompt(prompt))
	if spec.RequiresImage {
		body = strings.ReplaceAll(body, ImagePlaceholder, base64.StdEncoding.EncodeToString(payload.Image))
	}
	if spec.RequiresAudio {
		body = strings.ReplaceAll(body, AudioPlaceholder, base64.StdEncoding.EncodeToString(payload.Audio))
	}

	var reader io.Reader
	contentType := ""
	if spec.RequiresFiles {
		multipartBody, boundary, err := buildMultipart(body, prompt, payload.Files)
		if err != nil {
			return nil, fmt.Errorf("build multipart payload: %w", err)
		}
		reader = multipartBody
		contentType = "multipart/form-data; boundary=" + boundary
	} else if body != "" {
		reader = strings.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for _, h := range spec.ResolvedHeaders() {
		if contentType != "" && strings.EqualFold(h.Key, "Content-Type") {
			continue
		}
		request.Header.Set(h.Key, h.Value)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	response, err := p.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer response.Body.Close()

	bodyBytes, readErr := io.ReadAll(io.LimitReader(response.Body, p.maxBodyBytes))
	out := &Response{
		StatusCode: response.StatusCode,
		Body:       bodyBytes,
		Duration:   time.Since(start),
	}
	if readErr != nil {
		return out, fmt.Errorf("read response body: %w", readErr)
	}
	return out, nil
}

// VerifyResult is the outcome of a pre-flight check against a spec.
type VerifyResult struct {
	StatusCode     int    `json:"status_code"`
	Body           string `json:"body"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Verify probes the spec once with a placeholder prompt. Any status >= 400
// is treated as a configuration error. It is a pre-flight convenience and
// never part of the scanning hot path.
func (p *Prober) Verify(ctx context.Context, spec Spec) (VerifyResult, error) {
	payload := &Payload{}
	if spec.RequiresImage {
		payload.Image = []byte("verify")
	}
	if spec.RequiresAudio {
		payload.Audio = []byte("verify")
	}
	if spec.RequiresFiles {
		payload.Files = map[string][]byte{"verify.txt": []byte("verify")}
	}
	response, err := p.Probe(ctx, spec, "This is a connectivity check. Reply with OK.", payload)
	if err != nil {
		return VerifyResult{}, err
	}
	result := VerifyResult{
		StatusCode:     response.StatusCode,
		Body:           response.Text(),
		ElapsedSeconds: response.Duration.Seconds(),
	}
	if response.StatusCode >= 400 {
		return result, fmt.Errorf("endpoint returned status %d: %s", response.StatusCode, firstN(response.Text(), 200))
	}
	return result, nil
}

func buildMultipart(body, prompt string, files map[string][]byte) (*bytes.Buffer, string, error) {
	buffer := &bytes.Buffer{}
	writer := multipart.NewWriter(buffer)
	if err := writer.WriteField("prompt", prompt); err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(body) != "" {
		if err := writer.WriteField("body", body); err != nil {
			return nil, "", err
		}
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buffer, writer.Boundary(), nil
}

func firstN(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
