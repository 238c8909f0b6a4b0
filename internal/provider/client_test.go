package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestComplete_ParsesContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Mars is rising."}}],"usage":{"prompt_tokens":42,"completion_tokens":7}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	completion, err := client.Complete(context.Background(), Request{Model: "gpt-4o", Prompt: "hello"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Content != "Mars is rising." {
		t.Fatalf("unexpected content %q", completion.Content)
	}
	if completion.Usage.InputTokens != 42 || completion.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage %+v", completion.Usage)
	}
	if completion.Usage.Total() != 49 {
		t.Fatalf("expected total=49, got %d", completion.Usage.Total())
	}
}

func TestComplete_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong"})
	_, err := client.Complete(context.Background(), Request{Model: "gpt-4o", Prompt: "hello"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", statusErr.StatusCode)
	}
	if statusErr.Message != "bad key" {
		t.Fatalf("expected provider message, got %q", statusErr.Message)
	}
}

func TestComplete_RetriesRateLimitedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 2})
	completion, err := client.Complete(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Content != "ok" {
		t.Fatalf("unexpected content %q", completion.Content)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestComplete_NonRetryableStatusFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k", MaxRetries: 3})
	if _, err := client.Complete(context.Background(), Request{Model: "bad", Prompt: "hi"}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call for a 400, got %d", calls.Load())
	}
}

func TestOpenStream_YieldsDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"The \"}}]}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"stars\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := client.OpenStream(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer func() { _ = stream.Close() }()

	var got string
	for {
		delta, errRecv := stream.Recv()
		if errRecv == io.EOF {
			break
		}
		if errRecv != nil {
			t.Fatalf("recv: %v", errRecv)
		}
		got += delta
	}
	if got != "The stars" {
		t.Fatalf("expected assembled deltas %q, got %q", "The stars", got)
	}
	if usage := stream.Usage(); usage.InputTokens != 10 || usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if _, errAgain := stream.Recv(); errAgain != io.EOF {
		t.Fatalf("expected io.EOF after stream end, got %v", errAgain)
	}
}
