package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"videosummary/internal/media"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

type fakeProber struct {
	result *media.ProbeResult
	err    error
	calls  atomic.Int64
	block  chan struct{}
}

func (p *fakeProber) Probe(ctx context.Context, url string) (*media.ProbeResult, error) {
	p.calls.Add(1)
	if p.block != nil {
		<-p.block
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func TestNormalizeURL(t *testing.T) {
	keys := NewKeys(KeysConfig{ProfileVersion: "v1", StripParams: []string{"utm_source", "utm_medium"}})
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "lowercases scheme and host",
			in:   "HTTPS://Example.COM/v/Abc",
			want: "https://example.com/v/Abc",
		},
		{
			name: "drops fragment and sorts query",
			in:   "https://example.com/watch?b=2&a=1#t=30",
			want: "https://example.com/watch?a=1&b=2",
		},
		{
			name: "strips tracking params",
			in:   "https://example.com/v?utm_source=mail&id=7&utm_medium=x",
			want: "https://example.com/v?id=7",
		},
		{
			name: "trims trailing slash except root",
			in:   "https://example.com/v/abc/",
			want: "https://example.com/v/abc",
		},
		{
			name: "keeps root slash",
			in:   "https://example.com/",
			want: "https://example.com/",
		},
		{
			name:    "rejects non-http scheme",
			in:      "ftp://example.com/v",
			wantErr: true,
		},
		{
			name:    "rejects missing host",
			in:      "https:///v/abc",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := keys.NormalizeURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForURLPrefersProbedIdentity(t *testing.T) {
	prober := &fakeProber{result: &media.ProbeResult{Extractor: "youtube", VideoID: "abc123", Title: "A Video"}}
	keys := NewKeys(KeysConfig{ProfileVersion: "v1", Prober: prober})

	key, err := keys.ForURL(context.Background(), "https://example.com/v/abc?x=1")
	if err != nil {
		t.Fatalf("ForURL: %v", err)
	}
	if !hex64.MatchString(key.CacheKey) {
		t.Fatalf("cache key %q is not 64 hex", key.CacheKey)
	}

	// A different URL resolving to the same video yields the same key.
	other, err := keys.ForURL(context.Background(), "https://example.com/v/abc?feature=shared")
	if err != nil {
		t.Fatalf("ForURL second: %v", err)
	}
	if other.CacheKey != key.CacheKey {
		t.Fatal("probed identity should dominate the URL form")
	}
}

func TestForURLFallsBackOnProbeFailure(t *testing.T) {
	prober := &fakeProber{err: errors.New("extractor offline")}
	keys := NewKeys(KeysConfig{ProfileVersion: "v1", Prober: prober})

	key, err := keys.ForURL(context.Background(), "https://example.com/v/abc")
	if err != nil {
		t.Fatalf("ForURL should not fail on probe errors: %v", err)
	}
	if !hex64.MatchString(key.CacheKey) {
		t.Fatalf("cache key %q is not 64 hex", key.CacheKey)
	}
	if key.Probe != nil {
		t.Fatal("probe result should be nil on failure")
	}
}

func TestForURLKeyDependsOnProfileVersion(t *testing.T) {
	v1 := NewKeys(KeysConfig{ProfileVersion: "v1"})
	v2 := NewKeys(KeysConfig{ProfileVersion: "v2"})

	k1, err := v1.ForURL(context.Background(), "https://example.com/v/abc")
	if err != nil {
		t.Fatalf("ForURL v1: %v", err)
	}
	k2, err := v2.ForURL(context.Background(), "https://example.com/v/abc")
	if err != nil {
		t.Fatalf("ForURL v2: %v", err)
	}
	if k1.CacheKey == k2.CacheKey {
		t.Fatal("profile version must change the key")
	}
}

func TestForFileHash(t *testing.T) {
	keys := NewKeys(KeysConfig{ProfileVersion: "v1"})
	hash := "ab"
	key := keys.ForFileHash(hash)
	if !hex64.MatchString(key) {
		t.Fatalf("cache key %q is not 64 hex", key)
	}
	if key == keys.ForFileHash("cd") {
		t.Fatal("different hashes must give different keys")
	}
	if key != keys.ForFileHash(hash) {
		t.Fatal("key derivation must be deterministic")
	}
}

func TestConcurrentProbesShareOneFlight(t *testing.T) {
	prober := &fakeProber{
		result: &media.ProbeResult{Extractor: "youtube", VideoID: "abc"},
		block:  make(chan struct{}),
	}
	keys := NewKeys(KeysConfig{ProfileVersion: "v1", Prober: prober})

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := keys.ForURL(context.Background(), "https://example.com/v/abc")
			if err != nil {
				t.Errorf("ForURL: %v", err)
				return
			}
			results[i] = key.CacheKey
		}(i)
	}
	// Let the goroutines pile up behind the blocked probe before releasing it.
	for prober.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(prober.block)
	wg.Wait()

	for _, key := range results {
		if key != results[0] {
			t.Fatal("all concurrent derivations must agree")
		}
	}
	if calls := prober.calls.Load(); calls >= n {
		t.Fatalf("expected coalesced probes, got %d calls", calls)
	}
}
