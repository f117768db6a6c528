package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRefreshServer(t *testing.T, handler func(w http.ResponseWriter, refreshToken string)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != refreshPath {
			http.NotFound(w, r)
			return
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, body.RefreshToken)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshStoresNewPair(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, refreshToken string) {
		if refreshToken != "r1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Pair{AccessToken: "a2", RefreshToken: "r2"})
	})

	store := NewMemoryStore(Pair{AccessToken: "a1", RefreshToken: "r1"})
	p, err := NewRestProvider(srv.URL, store, nil)
	require.NoError(t, err)
	assert.Equal(t, "a1", p.AccessToken())

	pair, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Pair{AccessToken: "a2", RefreshToken: "r2"}, pair)
	assert.Equal(t, "a2", p.AccessToken())
	assert.Equal(t, "r2", p.RefreshToken())

	saved, _ := store.Load()
	assert.Equal(t, pair, saved)
}

func TestRefreshRejected(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, refreshToken string) {
		w.WriteHeader(http.StatusForbidden)
	})

	p, err := NewRestProvider(srv.URL, NewMemoryStore(Pair{AccessToken: "a1", RefreshToken: "r1"}), nil)
	require.NoError(t, err)

	_, err = p.Refresh(context.Background())
	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
	assert.Equal(t, "a1", p.AccessToken(), "failed refresh keeps the old pair")
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	p, err := NewRestProvider("http://127.0.0.1:1", NewMemoryStore(Pair{}), nil)
	require.NoError(t, err)

	_, err = p.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := newRefreshServer(t, func(w http.ResponseWriter, refreshToken string) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(Pair{AccessToken: "a2", RefreshToken: "r2"})
	})

	p, err := NewRestProvider(srv.URL, NewMemoryStore(Pair{AccessToken: "a1", RefreshToken: "r1"}), nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Pair, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Refresh(context.Background())
		}(i)
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "a2", results[i].AccessToken)
	}
}

func TestRefreshCallerCancelDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	srv := newRefreshServer(t, func(w http.ResponseWriter, refreshToken string) {
		<-release
		_ = json.NewEncoder(w).Encode(Pair{AccessToken: "a2", RefreshToken: "r2"})
	})

	p, err := NewRestProvider(srv.URL, NewMemoryStore(Pair{RefreshToken: "r1"}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Refresh(ctx)
		done <- err
	}()

	other := make(chan *Pair, 1)
	go func() {
		pair, _ := p.Refresh(context.Background())
		other <- pair
	}()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	pair := <-other
	require.NotNil(t, pair)
	assert.Equal(t, "a2", pair.AccessToken)
}
