package logtrace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIdFromContext(t *testing.T) {
	assert.Equal(t, "", RequestIdFromContext(nil)) //nolint:staticcheck
	assert.Equal(t, "", RequestIdFromContext(context.Background()))

	ctx := WithRequestId(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestIdFromContext(ctx))

	// a plain string key must not collide with the typed key
	ctx = context.WithValue(context.Background(), "requestId", "req-2") //nolint:staticcheck
	assert.Equal(t, "", RequestIdFromContext(ctx))
}
