package notifications

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ripley/internal/config"
)

type recordedRequest struct {
	title    string
	priority string
	body     string
}

func newCaptureServer(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		mu.Lock()
		requests = append(requests, recordedRequest{
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			body:     string(buf[:n]),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func TestUnconfiguredServiceIsNoop(t *testing.T) {
	cfg := config.Default()
	svc := NewService(&cfg)
	if err := svc.NotifyJobStarted(context.Background(), "Disc"); err != nil {
		t.Fatalf("noop service must never error: %v", err)
	}
}

func TestNtfyServiceSendsHeadersAndBody(t *testing.T) {
	server, recorded := newCaptureServer(t)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := NewService(&cfg)
	if err := svc.NotifyJobFailed(context.Background(), "Some Disc", "media damaged"); err != nil {
		t.Fatal(err)
	}

	reqs := recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	if reqs[0].title != "Ripley - Job Failed" {
		t.Fatalf("unexpected title %q", reqs[0].title)
	}
	if reqs[0].priority != "high" {
		t.Fatalf("expected high priority, got %q", reqs[0].priority)
	}
	if reqs[0].body != "Failed: Some Disc\nmedia damaged" {
		t.Fatalf("unexpected body %q", reqs[0].body)
	}
}

func TestNtfyServiceReportsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic rejected", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := NewService(&cfg)
	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error for rejected notification")
	}
}
