package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/crewdesk/internal/shared"
)

func TestIdempotencyKey_NoTurnNoKey(t *testing.T) {
	for _, ctx := range []context.Context{
		context.Background(),
		shared.WithTaskID(context.Background(), "task-001"),
	} {
		key, hash := idempotencyKey(ctx, "task_create", map[string]any{"title": "x"})
		if key != "" || hash != "" {
			t.Fatalf("calls outside a turn should not dedup, got %q/%q", key, hash)
		}
	}
}

func TestIdempotencyKey_StableAcrossFieldOrder(t *testing.T) {
	ctx := shared.WithTurnID(context.Background(), "turn-001")
	a, ha := idempotencyKey(ctx, "task_create", map[string]any{"title": "x", "priority": "high"})
	b, hb := idempotencyKey(ctx, "task_create", map[string]any{"priority": "high", "title": "x"})
	if a != b || ha != hb {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "turn:turn-001:task_create:") {
		t.Fatalf("unexpected key shape %q", a)
	}
}

func TestIdempotencyKey_DiffersByToolAndInput(t *testing.T) {
	ctx := shared.WithTurnID(context.Background(), "turn-001")
	base, _ := idempotencyKey(ctx, "task_create", map[string]any{"title": "x"})
	other, _ := idempotencyKey(ctx, "task_create", map[string]any{"title": "y"})
	tool, _ := idempotencyKey(ctx, "schedule_reminder", map[string]any{"title": "x"})
	next, _ := idempotencyKey(shared.WithTurnID(context.Background(), "turn-002"), "task_create", map[string]any{"title": "x"})
	if base == other || base == tool || base == next {
		t.Fatalf("expected distinct keys: %q %q %q %q", base, other, tool, next)
	}
}

func TestIdempotencyKey_ExplicitKeyWins(t *testing.T) {
	ctx := WithIdempotencyKey(context.Background(), " req-42 ")
	key, hash := idempotencyKey(ctx, "task_create", map[string]any{"title": "x"})
	if key != "task_create:req-42" || hash == "" {
		t.Fatalf("key = %q hash = %q", key, hash)
	}
	_, other := idempotencyKey(ctx, "task_create", map[string]any{"title": "y"})
	if other == hash {
		t.Fatal("request hash must still track the input")
	}
}
