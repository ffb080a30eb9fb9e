package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterAndInvoke(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	err := r.Register("sky", "search", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"destination": params["destination"]}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Invoke(context.Background(), "sky", "search", map[string]any{"destination": "JFK"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["destination"] != "JFK" {
		t.Fatalf("out=%v", out)
	}
}

func TestRegistry_DuplicateRouteRejected(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	noop := func(ctx context.Context, params map[string]any) (any, error) { return nil, nil }
	if err := r.Register("a", "b", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", "b", noop); err == nil {
		t.Fatalf("duplicate route must be rejected")
	}
	if err := r.Register("", "b", noop); err == nil {
		t.Fatalf("empty extension must be rejected")
	}
	if err := r.Register("a", "c", nil); err == nil {
		t.Fatalf("nil handler must be rejected")
	}
}

func TestRegistry_UnknownRoute(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	_, err := r.Invoke(context.Background(), "no", "such", nil)
	if err == nil || !strings.Contains(err.Error(), "no handler registered") {
		t.Fatalf("got %v", err)
	}
}

func TestRegistry_HandlerErrorPropagates(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	boom := errors.New("upstream unavailable")
	_ = r.Register("x", "fail", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, boom
	})
	if _, err := r.Invoke(context.Background(), "x", "fail", nil); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())

	if err := RegisterBuiltins(r, testLogger()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	routes := r.Routes()
	sort.Strings(routes)
	want := []string{"chat/echo", "sys/clock", "sys/info"}
	if len(routes) != len(want) {
		t.Fatalf("routes=%v", routes)
	}
	for i := range want {
		if routes[i] != want[i] {
			t.Fatalf("routes=%v", routes)
		}
	}
}

func TestEchoHandler(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())
	if err := RegisterBuiltins(r, testLogger()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	out, err := r.Invoke(context.Background(), "chat", "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m := out.(map[string]any)
	echo, ok := m["echo"].(map[string]any)
	if !ok || echo["msg"] != "hi" {
		t.Fatalf("out=%v", out)
	}
}

func TestClockHandler(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testLogger())
	if err := RegisterBuiltins(r, testLogger()); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	ctx := context.Background()

	out, err := r.Invoke(ctx, "sys", "clock", map[string]any{"timezone": "UTC"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	m := out.(map[string]any)
	if m["timezone"] != "UTC" {
		t.Fatalf("timezone=%v", m["timezone"])
	}
	if _, ok := m["unix_ms"].(int64); !ok {
		t.Fatalf("unix_ms=%v (%T)", m["unix_ms"], m["unix_ms"])
	}

	if _, err := r.Invoke(ctx, "sys", "clock", map[string]any{"timezone": "Not/AZone"}); err == nil {
		t.Fatalf("bad timezone must fail")
	}
}
