package credentialexchange_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dnitsch/appsync-anon-auth/internal/credentialexchange"
)

type mockFetcher struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	fetch   func(ctx context.Context, call int32) (*credentialexchange.Credentials, error)
}

func (m *mockFetcher) FetchNewCredentials(ctx context.Context) (*credentialexchange.Credentials, error) {
	call := m.calls.Add(1)
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}
	return m.fetch(ctx, call)
}

func blockingFetcher(fetch func(ctx context.Context, call int32) (*credentialexchange.Credentials, error)) *mockFetcher {
	return &mockFetcher{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		fetch:   fetch,
	}
}

type mockCache struct {
	read  func(ctx context.Context) (*credentialexchange.Credentials, error)
	write func(ctx context.Context, creds *credentialexchange.Credentials) error
}

func (m *mockCache) Read(ctx context.Context) (*credentialexchange.Credentials, error) {
	return m.read(ctx)
}

func (m *mockCache) Write(ctx context.Context, creds *credentialexchange.Credentials) error {
	return m.write(ctx, creds)
}

type countingObserver struct {
	hits, misses, refreshes, failures, duplicates atomic.Int32
}

func (o *countingObserver) OnCacheHit() { o.hits.Add(1) }
func (o *countingObserver) OnCacheMiss() { o.misses.Add(1) }
func (o *countingObserver) OnRefresh(latency time.Duration) { o.refreshes.Add(1) }
func (o *countingObserver) OnFailedRefresh(latency time.Duration) { o.failures.Add(1) }
func (o *countingObserver) OnDuplicateRequest() { o.duplicates.Add(1) }

func newCreds(ak string, exp time.Time) *credentialexchange.Credentials {
	return &credentialexchange.Credentials{AccessKeyId: ak, SecretKey: "SK-" + ak, SessionToken: "TOK-" + ak, Expiration: timePtr(exp)}
}

func Test_Manager_Credentials_with(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ttests := map[string]struct {
		cached      *credentialexchange.Credentials
		reload      time.Duration
		wantAk      string
		wantFetches int32
	}{
		"valid cached credentials are served": {
			cached:      newCreds("AK0", now.Add(time.Hour)),
			wantAk:      "AK0",
			wantFetches: 0,
		},
		"empty cache fetches": {
			cached:      nil,
			wantAk:      "AK1",
			wantFetches: 1,
		},
		"expiring exactly now is expired": {
			cached:      newCreds("AK0", now),
			wantAk:      "AK1",
			wantFetches: 1,
		},
		"expired a moment ago": {
			cached:      newCreds("AK0", now.Add(-time.Nanosecond)),
			wantAk:      "AK1",
			wantFetches: 1,
		},
		"credentials without expiration never expire": {
			cached:      &credentialexchange.Credentials{AccessKeyId: "AK0", SecretKey: "SK0"},
			wantAk:      "AK0",
			wantFetches: 0,
		},
		"inside the reload window": {
			cached:      newCreds("AK0", now.Add(time.Minute)),
			reload:      2 * time.Minute,
			wantAk:      "AK1",
			wantFetches: 1,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			fetcher := &mockFetcher{fetch: func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
				return newCreds(fmt.Sprintf("AK%d", call), now.Add(time.Hour)), nil
			}}
			cache := credentialexchange.NewMemoryCache(tt.cached)
			m := credentialexchange.NewManager(fetcher, cache,
				credentialexchange.WithClock(func() time.Time { return now }),
				credentialexchange.WithReloadBefore(tt.reload))

			got, err := m.Credentials(context.TODO())
			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			if got.AccessKeyId != tt.wantAk {
				t.Errorf("got %s, wanted %s", got.AccessKeyId, tt.wantAk)
			}
			if fetcher.calls.Load() != tt.wantFetches {
				t.Errorf("got %d fetches, wanted %d", fetcher.calls.Load(), tt.wantFetches)
			}
			stored, _ := cache.Read(context.TODO())
			if stored != got {
				t.Errorf("expected the served credentials to be cached")
			}
		})
	}
}

func Test_Manager_SecondCallServedFromCache(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	api := successFederation(t, "P", exp)
	cache := credentialexchange.NewMemoryCache(nil)
	m := credentialexchange.NewManager(credentialexchange.NewFederationClient(api, "P", nil), cache)

	first, err := m.Credentials(context.TODO())
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if first.AccessKeyId != "AK1" {
		t.Errorf("got %s, wanted AK1", first.AccessKeyId)
	}

	second, err := m.Credentials(context.TODO())
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if second != first {
		t.Errorf("expected the cached credentials to be returned")
	}
	if api.getIdCalls.Load() != 1 || api.credsCalls.Load() != 1 {
		t.Errorf("expected no further federation calls, got %d and %d", api.getIdCalls.Load(), api.credsCalls.Load())
	}
}

func Test_Manager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	const callers = 20
	fetcher := blockingFetcher(func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return newCreds("AK1", time.Now().Add(time.Hour)), nil
	})
	obs := &countingObserver{}
	m := credentialexchange.NewManager(fetcher, credentialexchange.NewMemoryCache(nil), credentialexchange.WithObserver(obs))

	results := make([]*credentialexchange.Credentials, callers)
	errs := make([]error, callers)
	wg := sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Credentials(context.TODO())
		}(i)
	}

	<-fetcher.entered
	for obs.misses.Load() < callers {
		time.Sleep(time.Millisecond)
	}
	close(fetcher.release)
	wg.Wait()

	if fetcher.calls.Load() != 1 {
		t.Errorf("got %d fetches, wanted 1", fetcher.calls.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d got %s, wanted <nil>", i, errs[i])
			continue
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got a different credential instance", i)
		}
	}
	if obs.refreshes.Load() != 1 {
		t.Errorf("got %d refreshes, wanted 1", obs.refreshes.Load())
	}
}

func Test_Manager_ConcurrentCallersShareFailure(t *testing.T) {
	const callers = 10
	fetcher := blockingFetcher(func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return nil, fmt.Errorf("connection reset, %w", credentialexchange.ErrTransport)
	})
	obs := &countingObserver{}
	m := credentialexchange.NewManager(fetcher, credentialexchange.NewMemoryCache(nil), credentialexchange.WithObserver(obs))

	errs := make([]error, callers)
	wg := sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Credentials(context.TODO())
		}(i)
	}

	<-fetcher.entered
	for obs.misses.Load() < callers {
		time.Sleep(time.Millisecond)
	}
	// let the last callers park on the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	failed, transport := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			t.Errorf("caller %d got <nil>, wanted an error", i)
		case errors.Is(err, credentialexchange.ErrFailedCredentials):
			failed++
		case errors.Is(err, credentialexchange.ErrTransport):
			transport++
		default:
			t.Errorf("caller %d got unexpected error %s", i, err)
		}
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("got %d fetches, wanted 1", fetcher.calls.Load())
	}
	if transport != 1 {
		t.Errorf("got %d callers with the underlying error, wanted 1", transport)
	}
	if failed != callers-1 {
		t.Errorf("got %d callers with %s, wanted %d", failed, credentialexchange.ErrFailedCredentials, callers-1)
	}
	if obs.failures.Load() != 1 {
		t.Errorf("got %d failed refreshes, wanted 1", obs.failures.Load())
	}
}

func Test_Manager_JoinedForceRefreshGetsFailure(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fetcher := blockingFetcher(func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		if call == 1 {
			return nil, fmt.Errorf("boom, %w", credentialexchange.ErrTransport)
		}
		return newCreds(fmt.Sprintf("AK%d", call), now.Add(time.Hour)), nil
	})
	cache := credentialexchange.NewMemoryCache(newCreds("AK0", now.Add(time.Hour)))
	m := credentialexchange.NewManager(fetcher, cache, credentialexchange.WithClock(func() time.Time { return now }))

	type result struct {
		creds *credentialexchange.Credentials
		err   error
	}
	leader, joiner := make(chan result, 1), make(chan result, 1)
	go func() {
		creds, err := m.ForceRefresh(context.TODO())
		leader <- result{creds, err}
	}()
	<-fetcher.entered
	go func() {
		creds, err := m.ForceRefresh(context.TODO())
		joiner <- result{creds, err}
	}()
	// let the second caller join the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)

	l, j := <-leader, <-joiner
	if !errors.Is(l.err, credentialexchange.ErrTransport) {
		t.Errorf("leader got %v, wanted %s", l.err, credentialexchange.ErrTransport)
	}
	if !errors.Is(j.err, credentialexchange.ErrFailedCredentials) {
		t.Errorf("joiner got %v, wanted %s", j.err, credentialexchange.ErrFailedCredentials)
	}
	if j.creds != nil {
		t.Errorf("joiner got credentials %s, wanted none", j.creds.AccessKeyId)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("got %d fetches, wanted 1", fetcher.calls.Load())
	}
}

func Test_Manager_JoinedCredentialsServedFromCacheOnFailure(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fetcher := blockingFetcher(func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return nil, fmt.Errorf("boom, %w", credentialexchange.ErrTransport)
	})
	valid := newCreds("AK0", now.Add(time.Hour))
	reads := atomic.Int32{}
	cache := &mockCache{
		read: func(ctx context.Context) (*credentialexchange.Credentials, error) {
			// first read is the unforced caller's miss, later ones see a valid entry
			if reads.Add(1) == 1 {
				return nil, nil
			}
			return valid, nil
		},
		write: func(ctx context.Context, creds *credentialexchange.Credentials) error { return nil },
	}
	m := credentialexchange.NewManager(fetcher, cache, credentialexchange.WithClock(func() time.Time { return now }))

	leader := make(chan error, 1)
	go func() {
		_, err := m.ForceRefresh(context.TODO())
		leader <- err
	}()
	<-fetcher.entered

	joined := make(chan *credentialexchange.Credentials, 1)
	go func() {
		creds, err := m.Credentials(context.TODO())
		if err != nil {
			t.Errorf("got %s, wanted <nil>", err)
		}
		joined <- creds
	}()
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)

	if err := <-leader; !errors.Is(err, credentialexchange.ErrTransport) {
		t.Errorf("leader got %v, wanted %s", err, credentialexchange.ErrTransport)
	}
	if got := <-joined; got == nil || got.AccessKeyId != "AK0" {
		t.Errorf("got %v, wanted AK0", got)
	}
}

func Test_Manager_ForceRefresh(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fetcher := &mockFetcher{fetch: func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return newCreds(fmt.Sprintf("AK%d", call), now.Add(time.Hour)), nil
	}}
	cache := credentialexchange.NewMemoryCache(newCreds("AK0", now.Add(time.Hour)))
	m := credentialexchange.NewManager(fetcher, cache, credentialexchange.WithClock(func() time.Time { return now }))

	got, err := m.ForceRefresh(context.TODO())
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if got.AccessKeyId != "AK1" {
		t.Errorf("got %s, wanted AK1", got.AccessKeyId)
	}
	got, _ = m.Credentials(context.TODO())
	if got.AccessKeyId != "AK1" {
		t.Errorf("expected forced credentials to be cached, got %s", got.AccessKeyId)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("got %d fetches, wanted 1", fetcher.calls.Load())
	}
}

func Test_Manager_PanicIsRecovered(t *testing.T) {
	fetcher := &mockFetcher{fetch: func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		if call == 1 {
			panic("boom")
		}
		return newCreds("AK2", time.Now().Add(time.Hour)), nil
	}}
	m := credentialexchange.NewManager(fetcher, credentialexchange.NewMemoryCache(nil))

	_, err := m.Credentials(context.TODO())
	if !errors.Is(err, credentialexchange.ErrFailedCredentials) {
		t.Fatalf("got %v, wanted %s", err, credentialexchange.ErrFailedCredentials)
	}

	got, err := m.Credentials(context.TODO())
	if err != nil {
		t.Fatalf("expected the manager to recover, got %s", err)
	}
	if got.AccessKeyId != "AK2" {
		t.Errorf("got %s, wanted AK2", got.AccessKeyId)
	}
}

func Test_Manager_CancelledWaiter(t *testing.T) {
	fetcher := blockingFetcher(func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return newCreds("AK1", time.Now().Add(time.Hour)), nil
	})
	m := credentialexchange.NewManager(fetcher, credentialexchange.NewMemoryCache(nil))

	leader := make(chan error, 1)
	go func() {
		_, err := m.Credentials(context.Background())
		leader <- err
	}()
	<-fetcher.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Credentials(ctx)
	if !errors.Is(err, credentialexchange.ErrFailedCredentials) {
		t.Errorf("got %v, wanted %s", err, credentialexchange.ErrFailedCredentials)
	}

	close(fetcher.release)
	if err := <-leader; err != nil {
		t.Errorf("leader got %s, wanted <nil>", err)
	}
}

func Test_Manager_CacheWriteFailure(t *testing.T) {
	obs := &countingObserver{}
	cache := &mockCache{
		read: func(ctx context.Context) (*credentialexchange.Credentials, error) {
			return nil, nil
		},
		write: func(ctx context.Context, creds *credentialexchange.Credentials) error {
			return fmt.Errorf("disk full, %w", credentialexchange.ErrCacheWrite)
		},
	}
	fetcher := &mockFetcher{fetch: func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return newCreds("AK1", time.Now().Add(time.Hour)), nil
	}}
	m := credentialexchange.NewManager(fetcher, cache, credentialexchange.WithObserver(obs))

	got, err := m.Credentials(context.TODO())
	if !errors.Is(err, credentialexchange.ErrCacheWrite) {
		t.Fatalf("got %v, wanted %s", err, credentialexchange.ErrCacheWrite)
	}
	if got != nil {
		t.Errorf("expected no credentials when they could not be persisted, got %+v", got)
	}
	if obs.failures.Load() != 1 || obs.refreshes.Load() != 0 {
		t.Errorf("got %d failures and %d refreshes, wanted 1 and 0", obs.failures.Load(), obs.refreshes.Load())
	}
}

func Test_Manager_CacheReadFailure(t *testing.T) {
	cache := &mockCache{
		read: func(ctx context.Context) (*credentialexchange.Credentials, error) {
			return nil, credentialexchange.ErrCacheRead
		},
		write: func(ctx context.Context, creds *credentialexchange.Credentials) error { return nil },
	}
	fetcher := &mockFetcher{fetch: func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		t.Error("fetcher should not be called")
		return nil, nil
	}}
	_, err := credentialexchange.NewManager(fetcher, cache).Credentials(context.TODO())
	if !errors.Is(err, credentialexchange.ErrCacheRead) {
		t.Errorf("got %v, wanted %s", err, credentialexchange.ErrCacheRead)
	}
}

func Test_Manager_ObserverCounts(t *testing.T) {
	now := time.Unix(1700000000, 0)
	obs := &countingObserver{}
	fetcher := &mockFetcher{fetch: func(ctx context.Context, call int32) (*credentialexchange.Credentials, error) {
		return newCreds("AK1", now.Add(time.Hour)), nil
	}}
	m := credentialexchange.NewManager(fetcher, credentialexchange.NewMemoryCache(nil),
		credentialexchange.WithClock(func() time.Time { return now }),
		credentialexchange.WithObserver(obs))

	for i := 0; i < 3; i++ {
		if _, err := m.Credentials(context.TODO()); err != nil {
			t.Fatal(err)
		}
	}
	if obs.misses.Load() != 1 || obs.hits.Load() != 2 || obs.refreshes.Load() != 1 {
		t.Errorf("got misses=%d hits=%d refreshes=%d, wanted 1, 2, 1", obs.misses.Load(), obs.hits.Load(), obs.refreshes.Load())
	}
}
