// Package cache derives content-addressed keys, mediates cache entry state
// through the metadata store, and garbage-collects old bundles.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"videosummary/internal/media"
	"videosummary/internal/models"
)

// Keys derives cache keys from source identity and the processing profile
// version. Nothing else enters the digest: per-request options never change
// the key.
type Keys struct {
	profileVersion string
	prober         media.Prober
	stripParams    map[string]struct{}
	probeGroup     singleflight.Group
	logger         *slog.Logger
}

// KeysConfig configures key derivation.
type KeysConfig struct {
	ProfileVersion string
	// Prober resolves a URL to (extractor, video_id) identity. May be nil,
	// in which case keys always fall back to the normalized URL.
	Prober media.Prober
	// StripParams lists query parameters dropped during URL normalization,
	// typically tracking identifiers.
	StripParams []string
	Logger      *slog.Logger
}

// NewKeys builds a key deriver.
func NewKeys(cfg KeysConfig) *Keys {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strip := make(map[string]struct{}, len(cfg.StripParams))
	for _, param := range cfg.StripParams {
		param = strings.ToLower(strings.TrimSpace(param))
		if param != "" {
			strip[param] = struct{}{}
		}
	}
	return &Keys{
		profileVersion: cfg.ProfileVersion,
		prober:         cfg.Prober,
		stripParams:    strip,
		logger:         logger,
	}
}

// URLKey is the derived identity for a remote source.
type URLKey struct {
	CacheKey      string
	NormalizedURL string
	// Probe holds the prober's result when the probe succeeded.
	Probe *media.ProbeResult
}

// ForURL derives the cache key for a remote URL. When the source probe
// yields a stable (extractor, video_id) pair the key is built from that
// identity; otherwise it falls back to the normalized URL. Concurrent
// derivations for the same URL share one probe.
func (k *Keys) ForURL(ctx context.Context, rawURL string) (*URLKey, error) {
	normalized, err := k.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	result := &URLKey{NormalizedURL: normalized}
	if k.prober != nil {
		probed, err, _ := k.probeGroup.Do(normalized, func() (any, error) {
			return k.prober.Probe(ctx, normalized)
		})
		if err == nil {
			result.Probe = probed.(*media.ProbeResult)
		} else {
			// Probe failures never fail the request; the normalized URL is
			// identity enough.
			k.logger.Debug("source probe failed, using normalized URL key",
				"url", normalized, "error", err)
		}
	}

	if p := result.Probe; p != nil && p.Extractor != "" && p.VideoID != "" {
		result.CacheKey = digest("url:" + p.Extractor + ":" + p.VideoID + ":" + k.profileVersion)
	} else {
		result.CacheKey = digest("url:" + normalized + ":" + k.profileVersion)
	}
	return result, nil
}

// ForFileHash derives the cache key for a local source by content hash.
func (k *Keys) ForFileHash(fileHash string) string {
	return digest("file:" + fileHash + ":" + k.profileVersion)
}

// NormalizeURL canonicalizes a URL for identity purposes: lowercase scheme
// and host, fragment dropped, query parameters sorted with configured
// tracking parameters removed, and the trailing slash trimmed except at the
// root.
func (k *Keys) NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", models.Kindf(models.KindInvalidArgument, "invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", models.Kindf(models.KindInvalidArgument, "url scheme must be http or https")
	}
	if parsed.Host == "" {
		return "", models.Kindf(models.KindInvalidArgument, "url host is required")
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		values, err := url.ParseQuery(parsed.RawQuery)
		if err != nil {
			return "", models.Kindf(models.KindInvalidArgument, "invalid url query: %v", err)
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			if _, skip := k.stripParams[strings.ToLower(key)]; skip {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, key := range keys {
			params := values[key]
			sort.Strings(params)
			for _, value := range params {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(key))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
		parsed.RawQuery = b.String()
	}

	if len(parsed.Path) > 1 {
		parsed.Path = strings.TrimRight(parsed.Path, "/")
	}
	return parsed.String(), nil
}

func digest(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ProfileVersion returns the profile version salted into every key.
func (k *Keys) ProfileVersion() string {
	return k.profileVersion
}
