package daemon

import (
	"context"
	"testing"

	"ripley/internal/logging"
	"ripley/internal/testsupport"
	"ripley/internal/workflow"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	wf := workflow.NewManagerWithDependencies(cfg, store, logging.NewNop(), workflow.Dependencies{})
	d, err := New(cfg, store, logging.NewNop(), wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newTestDaemon(t)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := d.Status(context.Background())
	if !status.Running {
		t.Fatal("daemon not running after Start")
	}
	if !status.Workflow.Running {
		t.Fatal("workflow not running after Start")
	}

	d.Stop()
	status = d.Status(context.Background())
	if status.Running {
		t.Fatal("daemon still running after Stop")
	}
}

func TestDaemonSecondInstanceRefused(t *testing.T) {
	first := newTestDaemon(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop()

	second, err := New(first.cfg, first.store, logging.NewNop(),
		workflow.NewManagerWithDependencies(first.cfg, first.store, logging.NewNop(), workflow.Dependencies{}))
	if err != nil {
		t.Fatalf("New second: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance acquired the lock")
	}
}

func TestDaemonStartTwiceFails(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded")
	}
}
