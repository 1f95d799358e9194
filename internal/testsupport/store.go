package testsupport

import (
	"context"
	"testing"

	"ripley/internal/config"
	"ripley/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a pending job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, kind queue.Kind, discTitle string, titles []queue.TitleSelection) *queue.Job {
	t.Helper()

	titlesJSON, err := queue.EncodeTitles(titles)
	if err != nil {
		t.Fatalf("encode titles: %v", err)
	}
	job, err := store.NewJob(context.Background(), kind, discTitle, "/dev/sr0", 0, titlesJSON)
	if err != nil {
		t.Fatalf("store.NewJob: %v", err)
	}
	return job
}
