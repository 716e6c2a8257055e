package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lore-anchor/anchor/pkg/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ queue.Queue = (*queue.RedisQueue)(nil)
	_ queue.Queue = (*queue.MemQueue)(nil)
)

func TestEnvelope_EncodeDecode(t *testing.T) {
	env := queue.Envelope{ImageID: "img-1", OriginalKey: "raw/owner/img-1.png"}
	payload, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"image_id":"img-1","storage_key":"raw/owner/img-1.png"}`, string(payload))

	got, err := queue.DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestEnvelope_EncodeRejectsIncomplete(t *testing.T) {
	_, err := queue.Envelope{ImageID: "img-1"}.Encode()
	assert.Error(t, err)
	_, err = queue.Envelope{OriginalKey: "raw/x.png"}.Encode()
	assert.Error(t, err)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", "img-123"},
		{"missing image_id", `{"storage_key":"raw/x.png"}`},
		{"missing storage_key", `{"image_id":"img-1"}`},
		{"empty object", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := queue.DecodeEnvelope([]byte(tc.payload))
			assert.Error(t, err)
		})
	}
}

func newRedisQueue(t *testing.T) (*queue.RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, "lore_anchor_tasks", "lore_anchor_dead_letters"), srv
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Envelope{ImageID: "a", OriginalKey: "raw/a.png"}))
	require.NoError(t, q.Enqueue(ctx, queue.Envelope{ImageID: "b", OriginalKey: "raw/b.png"}))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	payload, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	env, err := queue.DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "a", env.ImageID)

	payload, ok, err = q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	env, err = queue.DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "b", env.ImageID)
}

func TestRedisQueue_TakeTimesOutEmpty(t *testing.T) {
	q, _ := newRedisQueue(t)

	start := time.Now()
	_, ok, err := q.Take(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRedisQueue_Park(t *testing.T) {
	q, srv := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Park(ctx, []byte("img-123"), "malformed envelope"))

	n, err := q.DeadLetterLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := srv.List("lore_anchor_dead_letters")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var dl queue.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &dl))
	assert.Equal(t, "img-123", dl.Payload)
	assert.Equal(t, "malformed envelope", dl.Reason)
	assert.False(t, dl.FailedAt.IsZero())
}

func TestMemQueue_FIFO(t *testing.T) {
	q := queue.NewMemQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Envelope{ImageID: "a", OriginalKey: "raw/a.png"}))
	require.NoError(t, q.Enqueue(ctx, queue.Envelope{ImageID: "b", OriginalKey: "raw/b.png"}))

	payload, ok, err := q.Take(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	env, _ := queue.DecodeEnvelope(payload)
	assert.Equal(t, "a", env.ImageID)
}

func TestMemQueue_TakeTimesOutEmpty(t *testing.T) {
	q := queue.NewMemQueue()
	_, ok, err := q.Take(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemQueue_TakeHonorsContext(t *testing.T) {
	q := queue.NewMemQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Take(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemQueue_Park(t *testing.T) {
	q := queue.NewMemQueue()
	require.NoError(t, q.EnqueueRaw([]byte("garbage")))

	payload, ok, err := q.Take(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, decodeErr := queue.DecodeEnvelope(payload)
	require.Error(t, decodeErr)
	require.NoError(t, q.Park(context.Background(), payload, decodeErr.Error()))

	parked := q.DeadLetters()
	require.Len(t, parked, 1)
	assert.Equal(t, "garbage", parked[0].Payload)
}
