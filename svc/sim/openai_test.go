package sim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"pastel/pkg/domain"
	"strings"
	"testing"
	"time"
)

func newEmbeddingServer(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" || req.Dimensions != len(vec) {
			t.Errorf("request mismatch: model=%q dims=%d", req.Model, req.Dimensions)
		}
		if len(req.Input) != 1 || !strings.HasPrefix(req.Input[0], "Title: ") {
			t.Errorf("input mismatch: %v", req.Input)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  "test-model",
			"data": []map[string]interface{}{
				{"object": "embedding", "index": 0, "embedding": vec},
			},
			"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3, 0.4}
	srv := newEmbeddingServer(t, want)
	emb := NewOpenAIEmbedder(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: 4,
		Timeout:    5 * time.Second,
	})

	got, err := emb.Embed(context.Background(), "Title: a\nContent: b")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("dimension mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vec[%d] mismatch: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestOpenAIEmbedder_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
	_, err := emb.Embed(context.Background(), "q")
	if !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Errorf("error should carry provider message: %v", err)
	}
}

func TestOpenAIEmbedder_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[],"model":"test-model"}`))
	}))
	defer srv.Close()

	emb := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"})
	if _, err := emb.Embed(context.Background(), "q"); !errors.Is(err, domain.ErrEmbedding) {
		t.Errorf("expected ErrEmbedding, got %v", err)
	}
}

func TestExtractDetail(t *testing.T) {
	if got := extractDetail([]byte(`{"detail":"model not loaded"}`)); got != "model not loaded" {
		t.Errorf("extractDetail mismatch: got %q", got)
	}
	if got := extractDetail([]byte(`not json`)); got != "" {
		t.Errorf("extractDetail should be empty for invalid json, got %q", got)
	}
}
