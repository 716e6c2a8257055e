package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lore-anchor/anchor/pkg/api"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
	if problem.Type != "https://lore-anchor.dev/errors/400" {
		t.Errorf("unexpected problem type %q", problem.Type)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteQuotaExceeded_NoRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteQuotaExceeded(w, "Free tier allows 5 uploads per calendar month.")

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "" {
		t.Errorf("quota responses must not carry Retry-After, got %q", ra)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Title != "Quota Exceeded" {
		t.Errorf("expected title 'Quota Exceeded', got %q", problem.Title)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/images/abc", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Instance != "/api/v1/images/abc" {
		t.Fatalf("expected instance %q, got %q", "/api/v1/images/abc", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}
