package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eden3/eden3/internal/auth"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))

	claims := &auth.Claims{Role: auth.RoleAdmin}
	ctx = WithRequestID(WithClaims(ctx, claims), "req-42")
	assert.Same(t, claims, ClaimsFromContext(ctx))
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
}
