package sri

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	// The digest registry resolves algorithm names against the hash
	// implementations linked into the binary.
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
)

// calculator turns a resource reference into an SRI digest string,
// applying the bypass policy before any resolution work.
type calculator struct {
	opts     Options
	logger   *log.Logger
	external *externalResolver
}

// calculate resolves rawURL to content and digests it. An empty string
// with a nil error means "leave the tag as-is": bypassed domain, CORS
// not permitted, fetch failure, digest failure, or a tolerated missing
// asset. The only non-nil error is *MissingAssetError under the default
// fail-on-missing policy; it aborts the referencing document's rewrite.
func (c *calculator) calculate(ctx context.Context, bundle Bundle, htmlPath, rawURL string) (string, error) {
	if c.isBypassed(rawURL) {
		c.logger.Debug("bypassed domain, skipping", "url", rawURL)
		return "", nil
	}

	var content []byte
	if isExternalURL(rawURL) {
		fetchURL := rawURL
		if strings.HasPrefix(fetchURL, "//") {
			fetchURL = "https:" + fetchURL
		}
		// Only inject when CORS permits the browser to verify the
		// digest itself; otherwise the tag would break at load time.
		if !c.external.supportsCORS(ctx, fetchURL) {
			c.logger.Debug("resource not CORS-verifiable, skipping", "url", rawURL)
			return "", nil
		}
		content = c.external.fetchBytes(ctx, fetchURL)
		if content == nil {
			c.logger.Warn("unable to fetch external resource", "url", rawURL)
			return "", nil
		}
	} else {
		data, ok := bundle.resolve(c.opts.BasePath, htmlPath, rawURL)
		if !ok {
			if strings.ContainsAny(rawURL, "?#") {
				c.logger.Warn("query or fragment prevents bundle lookup, skipping", "url", rawURL, "html", htmlPath)
				return "", nil
			}
			if c.opts.IgnoreMissingAsset {
				c.logger.Warn("no bundle entry for asset, skipping", "url", rawURL, "html", htmlPath)
				return "", nil
			}
			return "", &MissingAssetError{URL: rawURL, HTMLPath: htmlPath}
		}
		content = data
	}

	d, err := sriDigest(c.opts.Algorithm, content)
	if err != nil {
		c.logger.Error("digest computation failed", "url", rawURL, "err", err)
		return "", nil
	}
	return d, nil
}

// sriDigest produces "<algorithm>-<base64 digest>" over content. The
// algorithm name goes verbatim to the digest registry; an unregistered
// name is an error for the caller to report per tag.
func sriDigest(algorithm string, content []byte) (string, error) {
	algo := digest.Algorithm(algorithm)
	if !algo.Available() {
		return "", fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	h := algo.Hash()
	if _, err := h.Write(content); err != nil {
		return "", err
	}
	return algorithm + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// isBypassed reports whether rawURL's hostname equals or is a subdomain
// of a configured bypass domain. Bypassed URLs trigger no network traffic.
func (c *calculator) isBypassed(rawURL string) bool {
	if len(c.opts.BypassDomains) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	for _, domain := range c.opts.BypassDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// isExternalURL reports whether a reference points outside the bundle.
// Protocol-relative URLs are fetched over https.
func isExternalURL(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "//")
}

// isNonResource filters references that are never fetchable resources.
func isNonResource(s string) bool {
	return strings.HasPrefix(s, "data:") || strings.HasPrefix(s, "javascript:")
}
