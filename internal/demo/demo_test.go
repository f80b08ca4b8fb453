package demo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/taskd/internal/task"
)

type recordingSink struct {
	updates []float64
	last    string
}

func (r *recordingSink) SetStatus(progress float64, message string) {
	r.updates = append(r.updates, progress)
	r.last = message
}

func TestRegister(t *testing.T) {
	reg := task.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	infos := reg.List()
	if len(infos) != 4 {
		t.Fatalf("registered %d tasks, want 4", len(infos))
	}

	def, err := reg.Resolve(KindCount)
	if err != nil {
		t.Fatalf("Resolve(count): %v", err)
	}
	if !def.ReportsProgress {
		t.Error("count should report progress")
	}
}

func TestEcho(t *testing.T) {
	got, err := Echo(context.Background(), task.Args{"text": "hi"})
	if err != nil || got != "hi" {
		t.Errorf("Echo = %v, %v, want hi", got, err)
	}
}

func TestSleepCompletes(t *testing.T) {
	got, err := Sleep(context.Background(), task.Args{"seconds": 0.01})
	if err != nil || got != "done" {
		t.Errorf("Sleep = %v, %v, want done", got, err)
	}
}

func TestSleepObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Sleep(ctx, task.Args{"seconds": 5})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Sleep did not stop on cancellation")
	}
}

func TestSleepHugeDurationStillWaits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	got, err := Sleep(ctx, task.Args{"seconds": 1e12})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sleep = %v, %v, want DeadlineExceeded", got, err)
	}
}

func TestSleepBadArgument(t *testing.T) {
	if _, err := Sleep(context.Background(), task.Args{"seconds": "soon"}); err == nil {
		t.Error("expected error for non-numeric seconds")
	}
}

func TestCountReportsProgress(t *testing.T) {
	sink := &recordingSink{}
	got, err := Count(context.Background(), task.Args{"n": float64(4), "interval_s": 0.001}, sink)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if got != 4 {
		t.Errorf("result = %v, want 4", got)
	}

	want := []float64{0.25, 0.5, 0.75, 1}
	if len(sink.updates) != len(want) {
		t.Fatalf("updates = %v, want %v", sink.updates, want)
	}
	for i := range want {
		if sink.updates[i] != want[i] {
			t.Errorf("update %d = %v, want %v", i, sink.updates[i], want[i])
		}
	}
	if sink.last != "step 4 of 4" {
		t.Errorf("last message = %q", sink.last)
	}
}

func TestCountRejectsOutOfRange(t *testing.T) {
	for _, n := range []float64{0, -1, maxCount + 1} {
		if _, err := Count(context.Background(), task.Args{"n": n}, &recordingSink{}); err == nil {
			t.Errorf("n=%v: expected error", n)
		}
	}
}

func TestFail(t *testing.T) {
	_, err := Fail(context.Background(), task.Args{"message": "nope"})
	if err == nil || err.Error() != "nope" {
		t.Errorf("err = %v, want nope", err)
	}

	_, err = Fail(context.Background(), nil)
	if err == nil || err.Error() != "task failed" {
		t.Errorf("default err = %v, want task failed", err)
	}
}
