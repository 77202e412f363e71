package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fetch-vault/fetch-vault/internal/expiry"
	"github.com/fetch-vault/fetch-vault/internal/index"
)

const testRoot = "/cache"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingFetcher struct {
	mu      sync.Mutex
	calls   int
	payload func(key string) ([]byte, error)
}

func (f *countingFetcher) FetchBytes(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.payload != nil {
		return f.payload(key)
	}
	return []byte("payload:" + key), nil
}

func (f *countingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(t *testing.T, policy Policy, fsys afero.Fs, fetcher Fetcher, clock *fakeClock) *Engine {
	t.Helper()
	opts := Options{
		Fs:      fsys,
		Fetcher: fetcher,
		Logger:  quietLogger(),
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	e, err := New(policy, testRoot, opts)
	if err != nil {
		t.Fatalf("engine construction error: %v", err)
	}
	return e
}

func TestFetchMissStoresAndReturns(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	data, err := e.Fetch(context.Background(), "https://example.com/resource")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(data) != "payload:https://example.com/resource" {
		t.Fatalf("payload mismatch: %s", string(data))
	}
	if fetcher.Calls() != 1 {
		t.Fatalf("expected 1 remote call, got %d", fetcher.Calls())
	}
	if e.Len() != 1 {
		t.Fatalf("expected 1 index entry, got %d", e.Len())
	}

	location, ok := e.StorageLocation("https://example.com/resource")
	if !ok {
		t.Fatalf("expected storage location for cached key")
	}
	stored, err := afero.ReadFile(fsys, location)
	if err != nil {
		t.Fatalf("payload file unreadable: %v", err)
	}
	if string(stored) != string(data) {
		t.Fatalf("stored payload mismatch: %s", string(stored))
	}
}

func TestFetchHitAvoidsRemote(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	first, err := e.Fetch(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	second, err := e.Fetch(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("hit should return identical bytes")
	}
	if fetcher.Calls() != 1 {
		t.Fatalf("valid hit must not hit remote, got %d calls", fetcher.Calls())
	}
}

func TestImmediateExpirationForcesRefetch(t *testing.T) {
	fsys := afero.NewMemMapFs()
	responses := []string{"v1", "v2"}
	fetcher := &countingFetcher{}
	fetcher.payload = func(string) ([]byte, error) {
		return []byte(responses[fetcher.calls-1]), nil
	}
	e := newTestEngine(t, Policy{MaxEntries: 10, Expiration: expiry.After(0)}, fsys, fetcher, nil)

	first, err := e.Fetch(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	second, err := e.Fetch(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if fetcher.Calls() != 2 {
		t.Fatalf("expired entry must refetch, got %d calls", fetcher.Calls())
	}
	if string(first) != "v1" || string(second) != "v2" {
		t.Fatalf("unexpected payloads %q %q", first, second)
	}
}

func TestDurationExpiryAgainstClock(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	clock := newFakeClock()
	e := newTestEngine(t, Policy{MaxEntries: 10, Expiration: expiry.After(time.Hour)}, fsys, fetcher, clock)

	key := "https://example.com/a"
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if fetcher.Calls() != 1 {
		t.Fatalf("entry should still be fresh, got %d calls", fetcher.Calls())
	}

	clock.Advance(time.Minute)
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if fetcher.Calls() != 2 {
		t.Fatalf("entry expiring exactly now must refetch, got %d calls", fetcher.Calls())
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	clock := newFakeClock()
	e := newTestEngine(t, Policy{MaxEntries: 2}, fsys, fetcher, clock)

	keys := []string{
		"https://example.com/first",
		"https://example.com/second",
		"https://example.com/third",
	}
	locations := map[string]string{}
	for _, key := range keys {
		if _, err := e.Fetch(context.Background(), key); err != nil {
			t.Fatalf("fetch error: %v", err)
		}
		if loc, ok := e.StorageLocation(key); ok {
			locations[key] = loc
		}
		if e.Len() > 2 {
			t.Fatalf("capacity bound violated: %d entries", e.Len())
		}
		clock.Advance(time.Minute)
	}

	if _, ok := e.StorageLocation(keys[0]); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := e.StorageLocation(keys[1]); !ok {
		t.Fatalf("newer entry should survive eviction")
	}
	if _, ok := e.StorageLocation(keys[2]); !ok {
		t.Fatalf("newest entry should survive eviction")
	}
	if _, err := fsys.Stat(locations[keys[0]]); err == nil {
		t.Fatalf("evicted payload file should be deleted")
	}
}

func TestEvictionTieBreaksByKey(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	clock := newFakeClock()
	e := newTestEngine(t, Policy{MaxEntries: 2}, fsys, fetcher, clock)

	// Same CreatedAt for all three stores; the smallest key must go.
	for _, key := range []string{"https://example.com/b", "https://example.com/c", "https://example.com/a"} {
		if _, err := e.Fetch(context.Background(), key); err != nil {
			t.Fatalf("fetch error: %v", err)
		}
	}

	if _, ok := e.StorageLocation("https://example.com/a"); ok {
		t.Fatalf("smallest key should lose the tie")
	}
	if e.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", e.Len())
	}
}

func TestZeroMaxEntriesEvictsImmediately(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 0}, fsys, fetcher, nil)

	data, err := e.Fetch(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(data) != "payload:https://example.com/a" {
		t.Fatalf("payload mismatch: %s", string(data))
	}
	if e.Len() != 0 {
		t.Fatalf("maxEntries=0 must evict immediately, got %d entries", e.Len())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	if _, err := e.Fetch(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	e.Remove("https://example.com/a")
	if e.Len() != 0 {
		t.Fatalf("expected empty index after remove")
	}

	persisted, err := afero.ReadFile(fsys, e.store.Path())
	if err != nil {
		t.Fatalf("read index error: %v", err)
	}

	e.Remove("https://example.com/a")
	e.Remove("https://example.com/never-stored")

	after, err := afero.ReadFile(fsys, e.store.Path())
	if err != nil {
		t.Fatalf("read index error: %v", err)
	}
	if string(persisted) != string(after) {
		t.Fatalf("removing an absent key must not mutate the persisted index")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e1 := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	key := "https://example.com/durable"
	first, err := e1.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	// Same root, fresh engine: behaves like the prior instance at its last mutation.
	e2 := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)
	second, err := e2.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if fetcher.Calls() != 1 {
		t.Fatalf("restarted engine should hit the persisted entry, got %d calls", fetcher.Calls())
	}
	if string(first) != string(second) {
		t.Fatalf("restart changed payload bytes")
	}
}

func TestRemoveAllClearsAndResets(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	key := "https://example.com/a"
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	location, _ := e.StorageLocation(key)

	if err := e.RemoveAll(); err != nil {
		t.Fatalf("remove all error: %v", err)
	}
	if e.Len() != 0 {
		t.Fatalf("expected empty index after RemoveAll")
	}
	if _, err := fsys.Stat(location); err == nil {
		t.Fatalf("payload should be gone after RemoveAll")
	}

	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if fetcher.Calls() != 2 {
		t.Fatalf("fetch after RemoveAll must hit remote, got %d calls", fetcher.Calls())
	}
}

func TestUnreadablePayloadSelfHeals(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	key := "https://example.com/a"
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	location, _ := e.StorageLocation(key)
	if err := fsys.Remove(location); err != nil {
		t.Fatalf("remove payload error: %v", err)
	}

	data, err := e.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("self-healing fetch error: %v", err)
	}
	if string(data) != "payload:"+key {
		t.Fatalf("payload mismatch after self-heal: %s", string(data))
	}
	if fetcher.Calls() != 2 {
		t.Fatalf("unreadable payload must refetch, got %d calls", fetcher.Calls())
	}
	if newLoc, ok := e.StorageLocation(key); !ok || newLoc == location {
		t.Fatalf("refetch must allocate a fresh storage location")
	}
}

func TestRemoteFailurePropagatesAndCachesNothing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	boom := errors.New("connection refused")
	fetcher := &countingFetcher{payload: func(string) ([]byte, error) { return nil, boom }}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	_, err := e.Fetch(context.Background(), "https://example.com/a")
	if err == nil {
		t.Fatalf("expected remote failure")
	}
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("collaborator failure must be propagated verbatim")
	}
	if e.Len() != 0 {
		t.Fatalf("failed fetch must not index anything")
	}
	if fetcher.Calls() != 1 {
		t.Fatalf("no retry at this layer, got %d calls", fetcher.Calls())
	}
}

func TestStartupPrunesExpiredEntries(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	clock := newFakeClock()
	policy := Policy{MaxEntries: 10, Expiration: expiry.After(time.Hour)}

	e1 := newTestEngine(t, policy, fsys, fetcher, clock)
	if _, err := e1.Fetch(context.Background(), "https://example.com/old"); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	oldLoc, _ := e1.StorageLocation("https://example.com/old")

	clock.Advance(50 * time.Minute)
	if _, err := e1.Fetch(context.Background(), "https://example.com/fresh"); err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	clock.Advance(30 * time.Minute)
	e2 := newTestEngine(t, policy, fsys, fetcher, clock)

	if _, ok := e2.StorageLocation("https://example.com/old"); ok {
		t.Fatalf("expired entry should be pruned at startup")
	}
	if _, ok := e2.StorageLocation("https://example.com/fresh"); !ok {
		t.Fatalf("fresh entry should survive startup pruning")
	}
	if _, err := fsys.Stat(oldLoc); err == nil {
		t.Fatalf("pruned payload file should be deleted")
	}
	if e2.Len() != 1 {
		t.Fatalf("expected 1 entry after pruning, got %d", e2.Len())
	}
}

func TestCorruptIndexStartsFresh(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll(testRoot, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := afero.WriteFile(fsys, testRoot+"/"+index.FileName, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)
	if e.Len() != 0 {
		t.Fatalf("corrupt index must load as empty, got %d entries", e.Len())
	}
}

func TestStorageLocationDoesNotValidateFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	key := "https://example.com/a"
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	location, ok := e.StorageLocation(key)
	if !ok {
		t.Fatalf("expected location for cached key")
	}
	if err := fsys.Remove(location); err != nil {
		t.Fatalf("remove error: %v", err)
	}

	// Pure lookup: the stale location is still reported.
	if again, ok := e.StorageLocation(key); !ok || again != location {
		t.Fatalf("lookup should not check the file, got %q ok=%v", again, ok)
	}
	if _, ok := e.StorageLocation("https://example.com/miss"); ok {
		t.Fatalf("absent key should report no location")
	}
}

func TestPayloadNamePreservesExtension(t *testing.T) {
	fsys := afero.NewMemMapFs()
	fetcher := &countingFetcher{}
	e := newTestEngine(t, Policy{MaxEntries: 10}, fsys, fetcher, nil)

	key := "https://example.com/data/report.json?version=2"
	if _, err := e.Fetch(context.Background(), key); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	location, _ := e.StorageLocation(key)
	if got := location[len(location)-5:]; got != ".json" {
		t.Fatalf("expected .json suffix, got %s", location)
	}
}

func TestConstructionFailsOnUnwritableRoot(t *testing.T) {
	fsys := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err := New(Policy{MaxEntries: 10}, testRoot, Options{
		Fs:      fsys,
		Fetcher: &countingFetcher{},
		Logger:  quietLogger(),
	})
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestConstructionRequiresFetcher(t *testing.T) {
	if _, err := New(Policy{MaxEntries: 10}, testRoot, Options{Fs: afero.NewMemMapFs()}); err == nil {
		t.Fatalf("expected error for missing fetcher")
	}
}

func TestConstructionRejectsNegativeCapacity(t *testing.T) {
	_, err := New(Policy{MaxEntries: -1}, testRoot, Options{
		Fs:      afero.NewMemMapFs(),
		Fetcher: &countingFetcher{},
	})
	if err == nil {
		t.Fatalf("expected error for negative capacity")
	}
}

func TestSingleFlightCollapsesConcurrentMisses(t *testing.T) {
	fsys := afero.NewMemMapFs()
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fetcher := FetcherFunc(func(_ context.Context, key string) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return []byte("shared"), nil
	})

	e, err := New(Policy{MaxEntries: 10}, testRoot, Options{
		Fs:           fsys,
		Fetcher:      fetcher,
		Logger:       quietLogger(),
		SingleFlight: true,
	})
	if err != nil {
		t.Fatalf("engine construction error: %v", err)
	}

	const workers = 4
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Fetch(context.Background(), "https://example.com/shared")
		}(i)
	}

	// Give the workers time to pile up on the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d error: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Fatalf("worker %d payload mismatch: %s", i, results[i])
		}
	}
	if calls != 1 {
		t.Fatalf("single-flight should issue exactly one remote fetch, got %d", calls)
	}
}

func TestScenarioFromColdCache(t *testing.T) {
	fsys := afero.NewMemMapFs()
	responses := map[string]string{"https://example.com/resource": "payload"}
	var mu sync.Mutex
	calls := 0
	fetcher := FetcherFunc(func(_ context.Context, key string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		body, ok := responses[key]
		if !ok {
			return nil, fmt.Errorf("no stub for %s", key)
		}
		return []byte(body), nil
	})

	e, err := New(Policy{MaxEntries: 10, Expiration: expiry.Never()}, testRoot, Options{
		Fs:      fsys,
		Fetcher: fetcher,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("engine construction error: %v", err)
	}

	key := "https://example.com/resource"
	data, err := e.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(data) != "payload" || e.Len() != 1 {
		t.Fatalf("first fetch: payload=%q entries=%d", data, e.Len())
	}

	data, err = e.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(data) != "payload" || calls != 1 {
		t.Fatalf("second fetch should be a pure hit: payload=%q calls=%d", data, calls)
	}

	location, _ := e.StorageLocation(key)
	e.Remove(key)
	if e.Len() != 0 {
		t.Fatalf("index should be empty after remove")
	}
	if _, err := fsys.Stat(location); err == nil {
		t.Fatalf("payload file should be gone after remove")
	}

	responses[key] = "updated"
	data, err = e.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(data) != "updated" || calls != 2 {
		t.Fatalf("refetch after removal: payload=%q calls=%d", data, calls)
	}
}
