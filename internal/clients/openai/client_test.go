package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
)

func testClient(t *testing.T, srv *httptest.Server, maxRetries int) *client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return &client{
		log:        log,
		baseURL:    srv.URL,
		apiKey:     "test-key",
		model:      "test-model",
		embedModel: "test-embed",
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: maxRetries,
	}
}

func TestEmbedMapsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		// Out-of-order indices must land in their slots.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0.2}},
				{"index": 0, "embedding": []float64{0.1}},
			},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv, 0)
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	c := testClient(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	})), 0)
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil || len(vecs) != 0 {
		t.Fatalf("Embed(nil) = %v, %v", vecs, err)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv, 3)
	_, err := c.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	var httpErr *openAIHTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestDoExhaustedRetriesAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// maxRetries 0: the first retryable failure is terminal.
	c := testClient(t, srv, 0)
	_, err := c.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestGenerateJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		text, _ := req["text"].(map[string]any)
		format, _ := text["format"].(map[string]any)
		if format["type"] != "json_schema" || format["strict"] != true {
			t.Errorf("format = %v", format)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output": []map[string]any{
				{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": `{"claims":[{"text":"water boils"}]}`},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv, 0)
	obj, err := c.GenerateJSON(context.Background(), "sys", "user", "claims", map[string]any{"type": "object"})
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	claims, ok := obj["claims"].([]any)
	if !ok || len(claims) != 1 {
		t.Fatalf("obj = %v", obj)
	}

	if _, err := c.GenerateJSON(context.Background(), "sys", "user", "", nil); err == nil {
		t.Fatalf("missing schema must error")
	}
}
