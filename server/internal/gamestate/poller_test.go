package gamestate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chickmaster/server/internal/apperr"
)

func TestPollerFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/game/state", r.URL.Path)
		_, _ = w.Write([]byte(`{"game_state":{"money":42000,"day":2}}`))
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, time.Second, time.Second, nil, nil)
	s, err := p.Fetch(context.Background())
	require.NoError(t, err)
	v, _ := s.Value(Money)
	assert.Equal(t, 42000.0, v)
}

func TestPollerFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, time.Second, time.Second, nil, nil)
	_, err := p.Fetch(context.Background())
	assert.True(t, apperr.IsTransport(err))
}

func TestPollerStopsAfterGameOver(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"game_over":true}`))
	}))
	defer srv.Close()

	got := make(chan Snapshot, 8)
	p := NewPoller(srv.URL, 10*time.Millisecond, time.Second, func(s Snapshot) { got <- s }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case s := <-got:
		assert.True(t, s.IsGameOver())
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, p.Paused())
	p.Resume()
	assert.False(t, p.Paused())
}
