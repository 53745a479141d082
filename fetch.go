package sri

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/charmbracelet/log"
)

// externalResolver performs CORS capability checks and body fetches for
// externally hosted resources, memoizing both through the build-scoped
// TTL caches. All state is per-injector; nothing is module-global.
type externalResolver struct {
	client  *http.Client
	logger  *log.Logger
	origin  string
	retries int
	backoff time.Duration

	corsCache    *ttlCache[bool]
	contentCache *ttlCache[[]byte]
}

func newExternalResolver(opts Options, logger *log.Logger) *externalResolver {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &externalResolver{
		client: &http.Client{
			Timeout:   opts.FetchTimeout,
			Transport: transport,
		},
		logger:       logger,
		origin:       opts.Origin,
		retries:      opts.FetchRetries,
		backoff:      opts.RetryBackoff,
		corsCache:    newTTLCache[bool](opts.CORSCacheTTL),
		contentCache: newTTLCache[[]byte](opts.ContentCacheTTL),
	}
}

// supportsCORS reports whether the resource at rawURL may be inspected
// cross-origin: a 2xx HEAD response whose Access-Control-Allow-Origin is
// "*" or contains the configured origin. Negative verdicts are cached
// alongside positive ones so one URL is probed at most once per build.
func (r *externalResolver) supportsCORS(ctx context.Context, rawURL string) bool {
	if verdict, ok := r.corsCache.get(rawURL); ok {
		return verdict
	}
	verdict := r.probeCORS(ctx, rawURL)
	r.corsCache.put(rawURL, verdict)
	return verdict
}

func (r *externalResolver) probeCORS(ctx context.Context, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		r.logger.Debug("invalid external URL", "url", rawURL, "err", err)
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("CORS check failed", "url", rawURL, "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("CORS check returned non-2xx", "url", rawURL, "status", resp.StatusCode)
		return false
	}
	allow := resp.Header.Get("Access-Control-Allow-Origin")
	if allow == "*" {
		return true
	}
	return r.origin != "" && strings.Contains(allow, r.origin)
}

// fetchBytes retrieves the resource body, returning nil on any failure.
// Failed attempts are retried up to the configured count with linear
// backoff, except timeouts, which are final. Successful bodies are cached.
func (r *externalResolver) fetchBytes(ctx context.Context, rawURL string) []byte {
	if body, ok := r.contentCache.get(rawURL); ok {
		return body
	}

	var body []byte
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(attempt) * r.backoff):
			}
		}
		data, retryable := r.fetchOnce(ctx, rawURL)
		if data != nil {
			body = data
			break
		}
		if !retryable {
			return nil
		}
	}
	if body == nil {
		return nil
	}
	r.contentCache.put(rawURL, body)
	return body
}

// fetchOnce performs a single GET. The second return value reports whether
// a failure may be retried: network errors and non-2xx statuses may,
// timeouts and body decode errors may not.
func (r *externalResolver) fetchOnce(ctx context.Context, rawURL string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		r.logger.Warn("invalid external URL", "url", rawURL, "err", err)
		return nil, false
	}
	// Setting Accept-Encoding explicitly disables the transport's
	// transparent gzip, so both encodings are decoded below. The digest
	// must cover the decoded bytes the browser verifies.
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			r.logger.Warn("fetch timed out", "url", rawURL, "err", err)
			return nil, false
		}
		r.logger.Warn("fetch failed", "url", rawURL, "err", err)
		return nil, true
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("fetch returned non-2xx", "url", rawURL, "status", resp.StatusCode)
		return nil, true
	}

	reader, err := decodeBody(resp)
	if err != nil {
		r.logger.Warn("decoding response body", "url", rawURL, "err", err)
		return nil, false
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		r.logger.Warn("reading response body", "url", rawURL, "err", err)
		return nil, false
	}
	return data, false
}

// decodeBody unwraps Content-Encoding so digests see the decoded bytes.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, nil
	case "", "identity":
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// isTimeout distinguishes deadline expiry from other transport errors.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// clear wipes both caches.
func (r *externalResolver) clear() {
	r.corsCache.clear()
	r.contentCache.clear()
}
