package agent

import (
	"reflect"
	"testing"
)

func TestPruneHistory_PositionalRecency(t *testing.T) {
	t.Parallel()

	in := []BeliefEvent{
		{Type: "belief", Key: "a", Val: int64(1)},
		{Type: "belief", Key: "b", Val: int64(2)},
		{Type: "belief", Key: "a", Val: int64(3)},
	}
	got := PruneHistory(in)
	want := []BeliefEvent{
		{Type: "belief", Key: "b", Val: int64(2)},
		{Type: "belief", Key: "a", Val: int64(3)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPruneHistory_Empty(t *testing.T) {
	t.Parallel()

	if got := PruneHistory(nil); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestStringFromObject(t *testing.T) {
	t.Parallel()

	got := stringFromObject(map[string]any{"dest": "JFK", "adults": int64(2)})
	if got != "adults = 2, dest = JFK" {
		t.Fatalf("got %q", got)
	}
	if stringFromObject(nil) != "" {
		t.Fatalf("nil map should render empty")
	}
}

func TestSlashString(t *testing.T) {
	t.Parallel()

	got := slashString(map[string]any{"b": "y", "a": "x", "c": int64(7)})
	if got != "x/y/" {
		t.Fatalf("got %q", got)
	}
}
