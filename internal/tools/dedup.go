package tools

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/crewdesk/internal/shared"
)

type idemKey struct{}

// WithIdempotencyKey attaches a caller-chosen key to ctx. Without one, a
// key is derived from the turn, tool and input.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idemKey{}, strings.TrimSpace(key))
}

func idempotencyKeyFrom(ctx context.Context) string {
	v, _ := ctx.Value(idemKey{}).(string)
	return v
}

// idempotencyKey returns the dedup key and request hash for a call. A
// derived key only lives for one turn, so an identical call in a later turn
// runs again. The key is empty when neither an explicit key nor a turn is in
// scope: such calls are not deduplicated.
func idempotencyKey(ctx context.Context, toolName string, input any) (key, reqHash string) {
	// Marshalling the parsed value sorts object keys, so field order in the
	// caller's JSON does not change the hash.
	canonical, _ := json.Marshal(input)
	h := sha256.Sum256(append([]byte(toolName+"\x00"), canonical...))
	reqHash = fmt.Sprintf("%x", h[:16])

	if explicit := idempotencyKeyFrom(ctx); explicit != "" {
		return toolName + ":" + explicit, reqHash
	}
	turnID := shared.TurnID(ctx)
	if turnID == "" {
		return "", ""
	}
	return fmt.Sprintf("turn:%s:%s:%s", turnID, toolName, reqHash), reqHash
}
