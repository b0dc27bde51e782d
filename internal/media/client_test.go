package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeProvider simulates the media job API: one job that advances a step per
// poll until completion.
type fakeProvider struct {
	mu    sync.Mutex
	polls int
	fail  bool
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"job_id": "job-1", "status": "pending"})
	})
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()

		state := map[string]any{"job_id": "job-1", "status": "processing", "progress": polls * 40}
		if polls >= 3 {
			if f.fail {
				state["status"] = "failed"
				state["error"] = "codec unsupported"
			} else {
				state["status"] = "completed"
				state["progress"] = 100
				state["result"] = map[string]string{"url": "out.mp4"}
			}
		}
		json.NewEncoder(w).Encode(state)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeProvider) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-key")
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestClient_RunCompletes(t *testing.T) {
	c := newTestClient(t, &fakeProvider{})

	var progress []int
	result, err := c.Run(context.Background(), "color_correct", json.RawMessage(`{"brightness":1.1}`), func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var out map[string]string
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if out["url"] != "out.mp4" {
		t.Errorf("unexpected result: %v", out)
	}
	if len(progress) == 0 {
		t.Error("expected progress callbacks")
	}
}

func TestClient_RunFails(t *testing.T) {
	c := newTestClient(t, &fakeProvider{fail: true})

	_, err := c.Run(context.Background(), "transcribe", nil, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
}

func TestClient_RunCanceled(t *testing.T) {
	c := newTestClient(t, &fakeProvider{})
	c.pollInterval = time.Hour // never polls, cancellation must win

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Run(ctx, "analyze_video", nil, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
