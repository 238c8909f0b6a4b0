package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func writeFrames(t *testing.T, w http.ResponseWriter, frames ...string) {
	t.Helper()
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Fatalf("response writer is not a flusher")
	}
	for _, frame := range frames {
		fmt.Fprintln(w, frame)
		flusher.Flush()
	}
}

func TestSend_AssemblesOrderedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"start","conversation_id":"conv-1","message_id":"msg-1"}`,
			`{"type":"content","text":"A"}`,
			`{"type":"chart_reference","chart":{"planet":"mars"}}`,
			`{"type":"content","text":"B"}`,
			`{"type":"done","tokens_total":12,"cost_total_micros":90}`,
		)
	}))
	defer srv.Close()

	consumer := New(srv.Client(), srv.URL)
	var completed *Message
	var deltas []string
	err := consumer.Send(context.Background(), SendRequest{Prompt: "hello"}, Handlers{
		OnContent:  func(delta string) { deltas = append(deltas, delta) },
		OnComplete: func(msg Message) { completed = &msg },
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if completed == nil {
		t.Fatalf("expected completion callback")
	}
	if completed.Content != "AB" {
		t.Fatalf("expected content %q, got %q", "AB", completed.Content)
	}
	if completed.ID != "msg-1" {
		t.Fatalf("expected server message id, got %q", completed.ID)
	}
	if len(completed.ChartReferences) != 1 {
		t.Fatalf("expected one chart reference, got %d", len(completed.ChartReferences))
	}
	if completed.TokensTotal != 12 || completed.CostTotalMicros != 90 {
		t.Fatalf("expected done metadata carried over, got %+v", completed)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 content callbacks, got %d", len(deltas))
	}
	if consumer.State() != StateComplete {
		t.Fatalf("expected complete state, got %s", consumer.State())
	}
	if consumer.ConversationID() != "conv-1" {
		t.Fatalf("expected captured conversation id, got %q", consumer.ConversationID())
	}
	if _, ok := consumer.Current(); ok {
		t.Fatalf("expected no in-flight message after completion")
	}
}

func TestSend_MalformedFrameIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"start","conversation_id":"conv-2"}`,
			`{"type":"content","text":"A"}`,
			`{this is not json`,
			`{"type":"mystery_frame"}`,
			`{"type":"content","text":"B"}`,
			`{"type":"done"}`,
		)
	}))
	defer srv.Close()

	consumer := New(srv.Client(), srv.URL)
	var completed *Message
	err := consumer.Send(context.Background(), SendRequest{Prompt: "hello"}, Handlers{
		OnComplete: func(msg Message) { completed = &msg },
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if completed == nil || completed.Content != "AB" {
		t.Fatalf("expected malformed frame to be skipped, got %+v", completed)
	}
}

func TestSend_ErrorFrameDiscardsPartialMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"start","conversation_id":"conv-3"}`,
			`{"type":"content","text":"partial"}`,
			`{"type":"error","message":"quota exhausted","code":"quota_exceeded"}`,
		)
	}))
	defer srv.Close()

	consumer := New(srv.Client(), srv.URL)
	var gotErr error
	completions := 0
	err := consumer.Send(context.Background(), SendRequest{Prompt: "hello"}, Handlers{
		OnComplete: func(Message) { completions++ },
		OnError:    func(e error) { gotErr = e },
	})
	if err == nil {
		t.Fatalf("expected error from error frame")
	}
	if gotErr == nil {
		t.Fatalf("expected OnError callback")
	}
	if completions != 0 {
		t.Fatalf("expected no completion callback after error frame")
	}
	if consumer.State() != StateError {
		t.Fatalf("expected error state, got %s", consumer.State())
	}
	if _, ok := consumer.Current(); ok {
		t.Fatalf("expected partial message discarded after error frame")
	}
}

func TestAbort_DiscardsPartialStateWithoutCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"start","conversation_id":"conv-4"}`,
			`{"type":"content","text":"one "}`,
			`{"type":"content","text":"two "}`,
		)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	consumer := New(srv.Client(), srv.URL)
	received := make(chan string, 8)
	completions := 0
	errorCalls := 0
	done := make(chan error, 1)
	go func() {
		done <- consumer.Send(context.Background(), SendRequest{Prompt: "hello"}, Handlers{
			OnContent:  func(delta string) { received <- delta },
			OnComplete: func(Message) { completions++ },
			OnError:    func(error) { errorCalls++ },
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for content frame %d", i+1)
		}
	}
	consumer.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for send to return")
	}

	if completions != 0 {
		t.Fatalf("expected no completion callback after abort")
	}
	if errorCalls != 0 {
		t.Fatalf("expected no error callback after abort")
	}
	if consumer.State() != StateAborted {
		t.Fatalf("expected aborted state, got %s", consumer.State())
	}
	if _, ok := consumer.Current(); ok {
		t.Fatalf("expected partial message discarded after abort")
	}
}

func TestSend_TransportEndWithoutDoneIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"start","conversation_id":"conv-5"}`,
			`{"type":"content","text":"half"}`,
		)
	}))
	defer srv.Close()

	consumer := New(srv.Client(), srv.URL)
	err := consumer.Send(context.Background(), SendRequest{Prompt: "hello"}, Handlers{})
	if err == nil {
		t.Fatalf("expected error when stream ends without done frame")
	}
	if consumer.State() != StateError {
		t.Fatalf("expected error state, got %s", consumer.State())
	}
}
