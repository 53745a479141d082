package sri

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures an Injector. The zero value is usable: sha384 digests,
// anonymous crossorigin, missing assets fatal, warnings to stderr.
type Options struct {
	// Algorithm is the digest algorithm name (sha256, sha384, sha512).
	// It is passed verbatim to the digest registry; an unknown name is
	// reported per tag at error level and leaves the tag unmodified.
	Algorithm string

	// BypassDomains lists hostnames for which integrity injection is
	// skipped entirely. A URL is bypassed when its hostname equals a
	// listed domain or is a subdomain of one.
	BypassDomains []string

	// CrossOrigin is the value written to the crossorigin attribute
	// alongside each injected integrity attribute. Empty selects
	// "anonymous"; tags that already carry crossorigin keep theirs.
	CrossOrigin string

	// IgnoreMissingAsset downgrades a resource reference with no bundle
	// entry from a transform-aborting error to a warning.
	IgnoreMissingAsset bool

	// BasePath is the public base path the host serves the bundle under.
	// A non-trivial base (anything beyond "" or "/") is stripped from
	// URLs during bundle resolution; an empty or relative base enables
	// resolution against the HTML file's own directory.
	BasePath string

	// Origin, when set, is accepted in Access-Control-Allow-Origin
	// headers in addition to "*" during CORS capability checks.
	Origin string

	// FetchTimeout bounds each HEAD/GET to an external resource.
	FetchTimeout time.Duration

	// FetchRetries is the number of extra GET attempts after a failed
	// fetch. Timeouts are never retried.
	FetchRetries int

	// RetryBackoff is the linear backoff unit between fetch attempts.
	RetryBackoff time.Duration

	// CORSCacheTTL and ContentCacheTTL bound how long CORS verdicts and
	// fetched bodies are reused within a build. Zero means until the
	// caches are cleared at end of build.
	CORSCacheTTL    time.Duration
	ContentCacheTTL time.Duration

	// LogLevel is one of debug, info, warn, error. Defaults to warn.
	LogLevel string

	// LogOutput receives log lines. Nil means os.Stderr.
	LogOutput io.Writer

	// Transport overrides the HTTP transport used for external
	// resources. Tests point this at httptest servers.
	Transport http.RoundTripper
}

const (
	defaultAlgorithm    = "sha384"
	defaultCrossOrigin  = "anonymous"
	defaultFetchTimeout = 5 * time.Second
	defaultRetries      = 1
	defaultBackoff      = 500 * time.Millisecond
	defaultCacheTTL     = 10 * time.Minute
)

// withDefaults returns a copy of o with zero values filled in.
func (o Options) withDefaults() Options {
	if o.Algorithm == "" {
		o.Algorithm = defaultAlgorithm
	}
	if o.CrossOrigin == "" {
		o.CrossOrigin = defaultCrossOrigin
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.FetchRetries < 0 {
		o.FetchRetries = 0
	} else if o.FetchRetries == 0 {
		o.FetchRetries = defaultRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultBackoff
	}
	if o.CORSCacheTTL == 0 {
		o.CORSCacheTTL = defaultCacheTTL
	}
	if o.ContentCacheTTL == 0 {
		o.ContentCacheTTL = defaultCacheTTL
	}
	if o.LogOutput == nil {
		o.LogOutput = os.Stderr
	}
	return o
}

// newLogger builds the per-injector leveled logger.
func newLogger(o Options) *log.Logger {
	logger := log.NewWithOptions(o.LogOutput, log.Options{Prefix: pluginName})
	level, err := log.ParseLevel(o.LogLevel)
	if err != nil || o.LogLevel == "" {
		level = log.WarnLevel
	}
	logger.SetLevel(level)
	return logger
}
