package sri

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// ArtifactKind distinguishes compiled chunks from copied static assets.
type ArtifactKind string

const (
	KindChunk ArtifactKind = "chunk"
	KindAsset ArtifactKind = "asset"
)

// Artifact is one emitted output file.
type Artifact struct {
	Kind     ArtifactKind
	Contents []byte
}

// Bundle maps output-relative paths to emitted artifacts. It is supplied
// wholesale by the host build and treated as read-only for the pass.
type Bundle map[string]Artifact

// MissingAssetError reports a resource reference that matched no bundle
// entry. It aborts the referencing document's rewrite unless
// Options.IgnoreMissingAsset is set.
type MissingAssetError struct {
	URL      string
	HTMLPath string
}

func (e *MissingAssetError) Error() string {
	return fmt.Sprintf("no bundle entry matches %q referenced by %s", e.URL, e.HTMLPath)
}

// FromBuildResult adapts esbuild's in-memory output files into a Bundle,
// keying each file by its outdir-relative slash path.
func FromBuildResult(result *esbuild.BuildResult, outdir string) Bundle {
	bundle := make(Bundle, len(result.OutputFiles))
	for _, f := range result.OutputFiles {
		key := outputKey(outdir, f.Path)
		bundle[key] = Artifact{Kind: kindForPath(key), Contents: f.Contents}
	}
	return bundle
}

// outputKey converts an emitted file path to its outdir-relative slash
// form, the key shape HTML documents reference.
func outputKey(outdir, filePath string) string {
	if abs, err := filepath.Abs(outdir); err == nil {
		outdir = abs
	}
	key := filePath
	if rel, err := filepath.Rel(outdir, filePath); err == nil && !strings.HasPrefix(rel, "..") {
		key = rel
	}
	return strings.TrimPrefix(filepath.ToSlash(key), "/")
}

// kindForPath classifies an output path: code and stylesheet outputs are
// chunks, everything else is a static asset.
func kindForPath(p string) ArtifactKind {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs", ".cjs", ".css":
		return KindChunk
	}
	return KindAsset
}

// resolve maps an HTML-referenced URL to bundle content. Resolution is
// attempted in order: direct key match after stripping a leading slash,
// base-path-stripped match when a non-trivial base is configured,
// resolution against the HTML file's own directory when the base is empty
// or relative, and finally a fuzzy suffix match over all keys ("static/"
// and other prefix variants). Fuzzy matches only apply at a path-segment
// boundary: "p.js" never resolves to "app.js".
//
// Query strings and fragments are not stripped: a URL carrying them only
// resolves when a bundle key matches verbatim. Ties in the fuzzy pass are
// broken by sorted key order so resolution is deterministic.
func (b Bundle) resolve(basePath, htmlPath, rawURL string) ([]byte, bool) {
	key := strings.TrimPrefix(rawURL, "/")
	if a, ok := b[key]; ok {
		return a.Contents, true
	}

	if base := strings.Trim(basePath, "/"); base != "" && basePath != "." && basePath != "./" {
		if stripped, ok := strings.CutPrefix(key, base+"/"); ok {
			if a, ok := b[stripped]; ok {
				return a.Contents, true
			}
		}
	} else if !strings.HasPrefix(rawURL, "/") {
		rel := path.Join(path.Dir(htmlPath), rawURL)
		if a, ok := b[rel]; ok {
			return a.Contents, true
		}
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || key == "" {
			continue
		}
		if strings.HasSuffix(k, "/"+key) || strings.HasSuffix(key, "/"+k) {
			return b[k].Contents, true
		}
	}
	return nil, false
}

// isHTMLPath reports whether a bundle key is an HTML document.
func isHTMLPath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".html", ".htm":
		return true
	}
	return false
}
