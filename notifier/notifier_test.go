package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardmarket-tracker/utils"
)

var testMsg = Message{Destination: "-100123", Text: "<b>floor</b> 170€", Format: FormatHTML}

func TestTelegramSend(t *testing.T) {
	var got struct {
		path, chatID, text, mode string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got.path = r.URL.Path
		got.chatID = r.PostForm.Get("chat_id")
		got.text = r.PostForm.Get("text")
		got.mode = r.PostForm.Get("parse_mode")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("123:abc", srv.URL)
	require.NoError(t, tg.Send(context.Background(), testMsg))

	assert.Equal(t, "/bot123:abc/sendMessage", got.path)
	assert.Equal(t, "-100123", got.chatID)
	assert.Equal(t, testMsg.Text, got.text)
	assert.Equal(t, "HTML", got.mode)
}

func TestTelegramNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegram("t", srv.URL).Send(context.Background(), testMsg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

// flakySender fails the first failures calls.
type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakySender) Send(context.Context, Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return nil
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = append(s.d, d)
	return nil
}

func TestRetryingRecovers(t *testing.T) {
	sender := &flakySender{failures: 2}
	rec := &sleeps{}
	n := NewRetrying("telegram", sender, 3, 5*time.Second, rec.sleep, utils.NewNopLogger())

	assert.True(t, n.Notify(context.Background(), testMsg))
	assert.Equal(t, 3, sender.calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.d)
}

func TestRetryingGivesUp(t *testing.T) {
	sender := &flakySender{failures: 10}
	rec := &sleeps{}
	n := NewRetrying("telegram", sender, 3, 5*time.Second, rec.sleep, utils.NewNopLogger())

	assert.False(t, n.Notify(context.Background(), testMsg))
	assert.Equal(t, 3, sender.calls)
	assert.Len(t, rec.d, 2)
}

type staticNotifier bool

func (s staticNotifier) Notify(context.Context, Message) bool { return bool(s) }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Multi{staticNotifier(false), staticNotifier(true)}.Notify(ctx, testMsg))
	assert.False(t, Multi{staticNotifier(false), staticNotifier(false)}.Notify(ctx, testMsg))
	assert.False(t, Multi{}.Notify(ctx, testMsg))
}

func TestStdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Stdout{W: &buf}.Send(context.Background(), testMsg))
	assert.Equal(t, "--- -100123 ---\n<b>floor</b> 170€\n", buf.String())
}

// fakeClaimer is an in-memory SETNX store.
type fakeClaimer struct {
	keys map[string]bool
	err  error
}

func (f *fakeClaimer) SetNX(ctx context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClaimer) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.keys, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

type countingNotifier struct {
	calls int
	ok    bool
}

func (c *countingNotifier) Notify(context.Context, Message) bool {
	c.calls++
	return c.ok
}

func TestDeduplicatingSuppressesRepeats(t *testing.T) {
	ctx := context.Background()
	next := &countingNotifier{ok: true}
	dedup := NewDeduplicating(next, &fakeClaimer{keys: map[string]bool{}}, time.Hour, utils.NewNopLogger())

	assert.True(t, dedup.Notify(ctx, testMsg))
	assert.True(t, dedup.Notify(ctx, testMsg))
	assert.Equal(t, 1, next.calls)

	other := testMsg
	other.Destination = "-100999"
	assert.True(t, dedup.Notify(ctx, other))
	assert.Equal(t, 2, next.calls)
}

func TestDeduplicatingReleasesOnFailure(t *testing.T) {
	ctx := context.Background()
	next := &countingNotifier{ok: false}
	claims := &fakeClaimer{keys: map[string]bool{}}
	dedup := NewDeduplicating(next, claims, time.Hour, utils.NewNopLogger())

	assert.False(t, dedup.Notify(ctx, testMsg))
	assert.Empty(t, claims.keys)

	next.ok = true
	assert.True(t, dedup.Notify(ctx, testMsg))
	assert.Equal(t, 2, next.calls)
}

func TestDeduplicatingFailsOpen(t *testing.T) {
	next := &countingNotifier{ok: true}
	dedup := NewDeduplicating(next, &fakeClaimer{err: errors.New("connection refused")}, time.Hour, utils.NewNopLogger())

	assert.True(t, dedup.Notify(context.Background(), testMsg))
	assert.True(t, dedup.Notify(context.Background(), testMsg))
	assert.Equal(t, 2, next.calls)
}

func TestDedupKey(t *testing.T) {
	k := dedupKey(testMsg)
	assert.True(t, strings.HasPrefix(k, dedupKeyPrefix))
	assert.Len(t, k, len(dedupKeyPrefix)+64)
	assert.Equal(t, k, dedupKey(testMsg))
}

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := encodeEvent(testMsg, at)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "-100123", got["destination"])
	assert.Equal(t, "HTML", got["format"])
	assert.Equal(t, "2026-03-01T12:00:00Z", got["published_at"])
}
