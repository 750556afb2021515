package diag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"robo/internal/domain"
)

type countingCanceller struct{ n atomic.Int32 }

func (c *countingCanceller) Cancel() { c.n.Add(1) }

func TestCancelArguments(t *testing.T) {
	tests := []struct {
		arg       string
		wantReply string
		wantLeft  []int
		wantErr   error
	}{
		{"1", "Cancelled task 1", []int{0, 2}, nil},
		{"-1", "Cancelled task 2", []int{0, 1}, nil},
		{"~", "Cancelled 3 task(s).", nil, nil},
		{"`0`", "Cancelled task 0", []int{1, 2}, nil},
		{"9", "Unknown task 9.", []int{0, 1, 2}, nil},
		{"x", `"x" is not a task index.`, []int{0, 1, 2}, domain.ErrInvalidInput},
		{"", "Usage: !robo cancel", []int{0, 1, 2}, domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("arg=%q", tt.arg), func(t *testing.T) {
			h := newHarness(t, Config{}, ShellConfig{})
			cancellers := make([]*countingCanceller, 3)
			for i := range cancellers {
				cancellers[i] = &countingCanceller{}
				h.registry.Register(context.Background(), domain.Invocation{Principal: "owner"}, fmt.Sprintf("job %d", i), cancellers[i])
			}

			err := h.invoke(t, strings.TrimSpace("!robo cancel "+tt.arg))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("err = %v", err)
			}

			if reply := h.channel.last().Content; !strings.Contains(reply, tt.wantReply) {
				t.Errorf("reply = %q, want it to contain %q", reply, tt.wantReply)
			}

			var left []int
			for _, e := range h.registry.List() {
				left = append(left, e.Index)
			}
			if fmt.Sprint(left) != fmt.Sprint(tt.wantLeft) {
				t.Errorf("remaining = %v, want %v", left, tt.wantLeft)
			}
		})
	}
}

func TestCancelWithNothingRunning(t *testing.T) {
	h := newHarness(t, Config{}, ShellConfig{})
	for _, arg := range []string{"-1", "~"} {
		if err := h.invoke(t, "!robo cancel "+arg); err != nil {
			t.Fatal(err)
		}
		if got := h.channel.last().Content; got != "No tasks to cancel." {
			t.Errorf("cancel %s reply = %q", arg, got)
		}
	}
}

func TestTasksListing(t *testing.T) {
	h := newHarness(t, Config{}, ShellConfig{})

	if err := h.invoke(t, "!robo tasks"); err != nil {
		t.Fatal(err)
	}
	if got := h.channel.last().Content; got != "No tasks are currently running." {
		t.Errorf("empty listing = %q", got)
	}

	h.registry.Register(context.Background(), domain.Invocation{Principal: "u1", PrincipalName: "alice"}, "make build", nil)
	h.registry.Register(context.Background(), domain.Invocation{Principal: "u2"}, "go test ./...", nil)

	if err := h.invoke(t, "!robo tasks"); err != nil {
		t.Fatal(err)
	}
	got := h.channel.last().Content
	for _, want := range []string{"0: `make build`, invoked by alice", "1: `go test ./...`, invoked by u2"} {
		if !strings.Contains(got, want) {
			t.Errorf("listing missing %q:\n%s", want, got)
		}
	}
}

func TestTasksListingPaginates(t *testing.T) {
	h := newHarness(t, Config{}, ShellConfig{})
	h.dispatch = mustDispatcher(t, NewTaskFeature(h.registry, h.hub, h.shell.cfg.Display, 120, quietLogger()))

	for i := 0; i < 10; i++ {
		h.registry.Register(context.Background(), domain.Invocation{Principal: "owner"}, fmt.Sprintf("job-%d", i), nil)
	}
	if err := h.invoke(t, "!robo tasks"); err != nil {
		t.Fatal(err)
	}
	if h.channel.surface.createdCount() != 1 {
		t.Fatalf("expected a paginated display, got %d message(s)", h.channel.surface.createdCount())
	}
	if h.hub.Len() != 1 {
		t.Fatal("listing session is not live")
	}
	h.hub.AbortAll()
	waitFor(t, "listing session to end", func() bool { return h.hub.Len() == 0 })
}

func mustDispatcher(t *testing.T, features ...Feature) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{}, quietLogger(), features...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
