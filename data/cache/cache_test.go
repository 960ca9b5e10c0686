package cache

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	c := New()
	c.Set("quote:MNQ", []byte(`{"bid":1}`), time.Minute)
	v, ok := c.Get("quote:MNQ")
	require.True(t, ok)
	assert.Equal(t, `{"bid":1}`, string(v))
}

func TestMemoryMiss(t *testing.T) {
	c := New()
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := New()
	c.Set("k", []byte("v"), time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	c := New()
	c.Set("k", []byte("v"), 0)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestMemoryCopiesValue(t *testing.T) {
	c := New()
	val := []byte("original")
	c.Set("k", val, time.Minute)
	val[0] = 'X'
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "original", string(got))
}

func TestRedisBackend(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedis(client)

	mock.ExpectSet("quote:MNQ", []byte("payload"), time.Second).SetVal("OK")
	c.Set("quote:MNQ", []byte("payload"), time.Second)

	mock.ExpectGet("quote:MNQ").SetVal("payload")
	v, ok := c.Get("quote:MNQ")
	require.True(t, ok)
	assert.Equal(t, "payload", string(v))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMissIsNotAnError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedis(client)

	mock.ExpectGet("missing").RedisNil()
	_, ok := c.Get("missing")
	assert.False(t, ok)
}
