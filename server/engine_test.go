package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sagacheckout/logging"
)

// recorder 记录组件的启动与停止顺序
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) record(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.steps))
	copy(out, r.steps)
	return out
}

func (r *recorder) component(name string, startErr, stopErr error) Component {
	return NewComponent(name,
		func(context.Context) error {
			r.record("start " + name)
			return startErr
		},
		func(context.Context) error {
			r.record("stop " + name)
			return stopErr
		})
}

func assertSteps(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected steps length, expected %d, got %d; steps=%v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected step at index %d: expected %q, got %q (all steps=%v)", i, want[i], got[i], got)
		}
	}
}

func newQuietEngine(group *Group, opts ...Option) *Engine {
	e := NewEngine(group, opts...)
	e.logger = logging.NewNoopLogger()
	return e
}

func TestEngineRun_LifecycleSuccess(t *testing.T) {
	rec := &recorder{}
	group := NewGroup(rec.component("store", nil, nil), rec.component("runner", nil, nil))
	group.Add(rec.component("sweeper", nil, nil))

	engine := newQuietEngine(group,
		WithShutdownTimeout(50*time.Millisecond),
		WithBeforeStart(func(context.Context) error { rec.record("before start"); return nil }),
		WithAfterStop(func(context.Context) error { rec.record("after stop"); return nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	deadline := time.After(time.Second)
	for engine.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("engine did not reach running state, got %v", engine.State())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Engine.Run() returned error in success case: %v", err)
	}
	if engine.State() != StateStopped {
		t.Fatalf("expected engine state %v, got %v", StateStopped, engine.State())
	}

	assertSteps(t, rec.snapshot(), []string{
		"before start",
		"start store", "start runner", "start sweeper",
		"stop sweeper", "stop runner", "stop store",
		"after stop",
	})
}

func TestEngineRun_StartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	sentinel := errors.New("redis unreachable")
	group := NewGroup(
		rec.component("store", nil, nil),
		rec.component("runner", sentinel, nil),
		rec.component("sweeper", nil, nil),
	)
	engine := newQuietEngine(group)

	err := engine.Run(context.Background())
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected Engine.Run() error to wrap start error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "start runner") {
		t.Fatalf("expected error to name the failing component, got: %v", err)
	}
	if engine.State() != StateError {
		t.Fatalf("expected engine state %v when start fails, got %v", StateError, engine.State())
	}
	assertSteps(t, rec.snapshot(), []string{"start store", "start runner", "stop store"})
}

func TestEngineRun_BeforeStartHookFailure(t *testing.T) {
	rec := &recorder{}
	sentinel := errors.New("hook failed")
	engine := newQuietEngine(NewGroup(rec.component("runner", nil, nil)),
		WithBeforeStart(func(context.Context) error { return sentinel }))

	if err := engine.Run(context.Background()); !errors.Is(err, sentinel) {
		t.Fatalf("expected hook error, got: %v", err)
	}
	if steps := rec.snapshot(); len(steps) != 0 {
		t.Fatalf("expected no component to start, got %v", steps)
	}
}

func TestEngineRun_StopErrorsAreJoined(t *testing.T) {
	rec := &recorder{}
	first := errors.New("runner stuck")
	second := errors.New("close failed")
	group := NewGroup(rec.component("store", nil, second), rec.component("runner", nil, first))
	engine := newQuietEngine(group)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := engine.Run(ctx)
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected both stop errors, got: %v", err)
	}
	if engine.State() != StateError {
		t.Fatalf("expected engine state %v, got %v", StateError, engine.State())
	}
	assertSteps(t, rec.snapshot(), []string{"start store", "start runner", "stop runner", "stop store"})
}

func TestGroup_StopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	group := NewGroup(rec.component("runner", nil, nil))
	if err := group.Start(context.Background()); err != nil {
		t.Fatalf("Group.Start() returned error: %v", err)
	}
	if err := group.Stop(context.Background()); err != nil {
		t.Fatalf("Group.Stop() returned error: %v", err)
	}
	if err := group.Stop(context.Background()); err != nil {
		t.Fatalf("second Group.Stop() returned error: %v", err)
	}
	assertSteps(t, rec.snapshot(), []string{"start runner", "stop runner"})
	if group.Running() != 0 {
		t.Fatalf("expected no running components, got %d", group.Running())
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloser_OnlyClosesOnStop(t *testing.T) {
	closed := 0
	c := Closer("transport", closerFunc(func() error { closed++; return nil }))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if closed != 0 {
		t.Fatalf("expected Close not called on start")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if closed != 1 || c.Name() != "transport" {
		t.Fatalf("expected one Close on %q, got %d", c.Name(), closed)
	}
}
