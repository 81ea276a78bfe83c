package signing

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestRedisNonceCache_Remember(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewRedisNonceCache(client)
	ctx := context.Background()

	mock.ExpectSetNX("sig:nonce:store-1:abc", 1, 5*time.Minute).SetVal(true)
	fresh, err := cache.Remember(ctx, "store-1", "abc", 5*time.Minute)
	assert.NoError(t, err)
	assert.True(t, fresh)

	mock.ExpectSetNX("sig:nonce:store-1:abc", 1, 5*time.Minute).SetVal(false)
	fresh, err = cache.Remember(ctx, "store-1", "abc", 5*time.Minute)
	assert.NoError(t, err)
	assert.False(t, fresh)

	assert.NoError(t, mock.ExpectationsWereMet())
}
