package lvm

import (
	"context"
	"errors"
	"testing"
)

func TestCommandRunnerRetriesOnEmptyOutputWithRefreshedDevices(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue(nil, errors.New("no data"))
	exec.queue([]string{"ok"}, nil)

	enum := &switchingEnumerator{sets: [][]string{{"/dev/mapper/a"}, {"/dev/mapper/b"}}}
	resolver := NewDeviceResolver(enum)
	runner := NewCommandRunner(exec, resolver, 2, nil)

	out, err := runner.Run(ctx, []string{"pvs"}, nil, true)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(out) != 1 || out[0] != "ok" {
		t.Fatalf("expected retried output, got %v", out)
	}
	if exec.callCount() != 2 {
		t.Fatalf("expected exactly 2 subprocess calls (original + retry), got %d", exec.callCount())
	}
}

func TestCommandRunnerNoRetryWhenDevicesUnchangedAndPolldTrue(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue(nil, errors.New("no data"))

	enum := fakeEnumerator{devices: []string{"/dev/mapper/a"}}
	resolver := NewDeviceResolver(enum)
	runner := NewCommandRunner(exec, resolver, 2, nil)

	_, err := runner.Run(ctx, []string{"pvs"}, nil, true)
	if err == nil {
		t.Fatalf("expected original error to propagate when refreshed devices are identical")
	}
	if exec.callCount() != 1 {
		t.Fatalf("expected no retry when device set is unchanged and usePolld=true, got %d calls", exec.callCount())
	}
}

func TestCommandRunnerRetriesWhenPolldFalseEvenIfDevicesUnchanged(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue(nil, errors.New("no data"))
	exec.queue([]string{"ok"}, nil)

	enum := fakeEnumerator{devices: []string{"/dev/mapper/a"}}
	resolver := NewDeviceResolver(enum)
	runner := NewCommandRunner(exec, resolver, 2, nil)

	_, err := runner.Run(ctx, []string{"pvmove"}, nil, false)
	if err != nil {
		t.Fatalf("expected retry to run when usePolld=false, got %v", err)
	}
	if exec.callCount() != 2 {
		t.Fatalf("expected retry even with unchanged devices when usePolld=false, got %d calls", exec.callCount())
	}
}

func TestCommandRunnerNilMetricsSafe(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	exec.queue([]string{"ok"}, nil)
	runner := newTestRunner(exec, nil)

	if _, err := runner.Run(ctx, []string{"pvs"}, nil, true); err != nil {
		t.Fatalf("Run with nil metrics: %v", err)
	}
}

// switchingEnumerator returns the next device set on each call after an
// Invalidate forces a re-query, modeling a filter that genuinely changed.
type switchingEnumerator struct {
	sets [][]string
	next int
}

func (e *switchingEnumerator) CurrentDevicePaths(context.Context) ([]string, error) {
	s := e.sets[e.next]
	if e.next < len(e.sets)-1 {
		e.next++
	}
	return s, nil
}
