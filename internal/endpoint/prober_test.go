package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbeSubstitutesEscapedPrompt(t *testing.T) {
	var gotBody string
	var gotContentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"completion":"ok"}`))
	}))
	defer ts.Close()

	spec, err := Parse("POST " + ts.URL + "\nContent-Type: application/json\n\n{\"p\":\"<<PROMPT>>\"}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	prober := NewProber(Config{})
	response, err := prober.Probe(context.Background(), spec, "He said \"hi\"\n", nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if gotBody != `{"p":"He said \"hi\"\n"}` {
		t.Fatalf("unexpected request body %q", gotBody)
	}
	if strings.ContainsAny(gotBody, "\n\r") {
		t.Fatalf("request body contains raw control characters: %q", gotBody)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if response.Duration <= 0 {
		t.Fatal("expected a positive probe duration")
	}
}

func TestProbeFailsFastOnMissingPayload(t *testing.T) {
	spec, err := Parse("POST http://127.0.0.1:1\n\n{\"img\":\"<<BASE64_IMAGE>>\"}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	prober := NewProber(Config{})
	_, err = prober.Probe(context.Background(), spec, "hello", nil)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if validationErr.Missing != "image" {
		t.Fatalf("expected missing image, got %q", validationErr.Missing)
	}
}

func TestProbeMultipartUpload(t *testing.T) {
	var gotFile string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFile = header.Filename
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	spec, err := Parse("POST " + ts.URL + "\nContent-Type: multipart/form-data\n\n")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	prober := NewProber(Config{})
	payload := &Payload{Files: map[string][]byte{"sample.txt": []byte("data")}}
	response, err := prober.Probe(context.Background(), spec, "hello", payload)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if gotFile != "sample.txt" {
		t.Fatalf("expected uploaded file name, got %q", gotFile)
	}
}

func TestVerifyRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer ts.Close()

	spec, err := Parse("POST " + ts.URL + "\n\n{\"p\":\"<<PROMPT>>\"}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	prober := NewProber(Config{})
	result, err := prober.Verify(context.Background(), spec)
	if err == nil {
		t.Fatal("expected verify error for 401 status")
	}
	if result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 in result, got %d", result.StatusCode)
	}
}

func TestVerifyPassesHealthyEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer ts.Close()

	spec, err := Parse("POST " + ts.URL + "\n\n{\"p\":\"<<PROMPT>>\"}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	prober := NewProber(Config{})
	result, err := prober.Verify(context.Background(), spec)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if result.StatusCode != http.StatusOK || result.Body != "OK" {
		t.Fatalf("unexpected verify result %+v", result)
	}
	if result.ElapsedSeconds < 0 {
		t.Fatalf("unexpected elapsed time %f", result.ElapsedSeconds)
	}
}

func TestProbeSurfacesTransportError(t *testing.T) {
	spec, err := Parse("POST http://127.0.0.1:1\n\n{\"p\":\"<<PROMPT>>\"}")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	prober := NewProber(Config{})
	if _, err := prober.Probe(context.Background(), spec, "hello", nil); err == nil {
		t.Fatal("expected transport error for unreachable host")
	}
}
