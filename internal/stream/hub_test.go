package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishIsPerDevice(t *testing.T) {
	h := NewHub()
	a, unsubA := h.Subscribe("a")
	b, unsubB := h.Subscribe("b")
	defer unsubB()

	h.Publish("a", []byte("one"))
	assert.Equal(t, []byte("one"), <-a)
	select {
	case <-b:
		t.Fatal("b received a's message")
	default:
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	assert.Zero(t, h.Subscribers("a"))
	assert.Equal(t, 1, h.Subscribers("b"))

	h.Publish("a", []byte("nobody"))
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe("a")
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish("a", []byte("x"))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestServeSSE(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r, "a", 20*time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.Subscribers("a") == 1 }, time.Second, 5*time.Millisecond)
	h.Publish("a", []byte(`{"f_cnt":1}`))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 || !containsPrefix(lines, "data:") || !containsPrefix(lines, ": keepalive") {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimRight(line, "\n"); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Contains(t, lines, `data: {"f_cnt":1}`)

	cancel()
	require.Eventually(t, func() bool { return h.Subscribers("a") == 0 }, time.Second, 5*time.Millisecond)
}

func containsPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}
