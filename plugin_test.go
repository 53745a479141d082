package sri

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

func TestNewDefaults(t *testing.T) {
	in := New(Options{LogOutput: io.Discard})

	if in.opts.Algorithm != "sha384" {
		t.Errorf("Algorithm = %q, want sha384", in.opts.Algorithm)
	}
	if in.opts.CrossOrigin != "anonymous" {
		t.Errorf("CrossOrigin = %q, want anonymous", in.opts.CrossOrigin)
	}
	if in.opts.IgnoreMissingAsset {
		t.Error("IgnoreMissingAsset should default to false")
	}
	if in.opts.FetchTimeout != 5*time.Second {
		t.Errorf("FetchTimeout = %v, want 5s", in.opts.FetchTimeout)
	}
	if in.opts.FetchRetries != 1 {
		t.Errorf("FetchRetries = %d, want 1", in.opts.FetchRetries)
	}
}

func TestProcessBundle(t *testing.T) {
	in, _ := newTestInjector(t, nil)
	bundle := Bundle{
		"app.js":     {Kind: KindChunk, Contents: []byte("app")},
		"index.html": {Kind: KindAsset, Contents: []byte(`<script src="app.js"></script>`)},
		"about.html": {Kind: KindAsset, Contents: []byte(`<p>no scripts here</p>`)},
		"logo.svg":   {Kind: KindAsset, Contents: []byte("<svg/>")},
	}

	got := in.ProcessBundle(context.Background(), bundle)
	if len(got) != 2 {
		t.Fatalf("rewrote %d documents, want 2: %v", len(got), got)
	}
	if !strings.Contains(got["index.html"], `integrity="`+wantSHA384("app")+`"`) {
		t.Fatalf("index.html not rewritten:\n%s", got["index.html"])
	}
	if got["about.html"] != `<p>no scripts here</p>` {
		t.Fatalf("about.html should be returned unchanged:\n%s", got["about.html"])
	}
	if _, ok := got["logo.svg"]; ok {
		t.Fatal("non-HTML entries must not be touched")
	}
}

func TestProcessBundlePerFileIsolation(t *testing.T) {
	// index.html references a missing asset under the fail policy; its
	// failure is logged and must not stop the other document.
	in, logs := newTestInjector(t, nil)
	bundle := Bundle{
		"good.js":    {Kind: KindChunk, Contents: []byte("ok")},
		"index.html": {Kind: KindAsset, Contents: []byte(`<script src="gone.js"></script>`)},
		"other.html": {Kind: KindAsset, Contents: []byte(`<script src="good.js"></script>`)},
	}

	got := in.ProcessBundle(context.Background(), bundle)
	if _, ok := got["index.html"]; ok {
		t.Fatal("failed document must be omitted, leaving pre-transform content in force")
	}
	if !strings.Contains(got["other.html"], "integrity=") {
		t.Fatalf("sibling document should still be rewritten:\n%s", got["other.html"])
	}
	if !strings.Contains(logs.String(), "gone.js") {
		t.Fatal("expected an error log naming the missing asset")
	}
}

func TestProcessBundleNoHTML(t *testing.T) {
	in, _ := newTestInjector(t, nil)
	bundle := Bundle{"app.js": {Kind: KindChunk, Contents: []byte("x")}}
	if got := in.ProcessBundle(context.Background(), bundle); got != nil {
		t.Fatalf("ProcessBundle = %v, want nil for bundles without HTML", got)
	}
}

func TestClearCaches(t *testing.T) {
	in, _ := newTestInjector(t, nil)
	in.external.corsCache.put("https://cdn.example.com/a.js", true)
	in.external.contentCache.put("https://cdn.example.com/a.js", []byte("x"))

	in.ClearCaches()
	if in.external.corsCache.size() != 0 || in.external.contentCache.size() != 0 {
		t.Fatal("ClearCaches must wipe both caches")
	}
}

// ---------------------------------------------------------------------------
// esbuild integration
// ---------------------------------------------------------------------------

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPluginEndToEnd(t *testing.T) {
	dir := t.TempDir()
	appPath := writeFile(t, dir, "app.js", `console.log("test")`)
	htmlPath := writeFile(t, dir, "index.html", `<html><body><script src="app.js"></script></body></html>`)

	in := New(Options{LogOutput: io.Discard})
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{appPath, htmlPath},
		Outdir:      filepath.Join(dir, "dist"),
		Bundle:      true,
		Write:       false,
		LogLevel:    esbuild.LogLevelSilent,
		Loader:      map[string]esbuild.Loader{".html": esbuild.LoaderCopy},
		Plugins:     []esbuild.Plugin{in.Plugin()},
	})
	if len(result.Errors) > 0 {
		t.Fatalf("build failed: %+v", result.Errors)
	}

	var htmlOut, jsOut *esbuild.OutputFile
	for i := range result.OutputFiles {
		switch filepath.Ext(result.OutputFiles[i].Path) {
		case ".html":
			htmlOut = &result.OutputFiles[i]
		case ".js":
			jsOut = &result.OutputFiles[i]
		}
	}
	if htmlOut == nil || jsOut == nil {
		t.Fatalf("missing expected outputs: %+v", result.OutputFiles)
	}

	html := string(htmlOut.Contents)
	want := `integrity="` + wantSHA384(string(jsOut.Contents)) + `"`
	if !strings.Contains(html, want) {
		t.Fatalf("emitted HTML lacks digest of emitted chunk:\n%s", html)
	}
	if !strings.Contains(html, `crossorigin="anonymous"`) {
		t.Fatalf("emitted HTML lacks crossorigin attribute:\n%s", html)
	}
}

func TestPluginRequiresInMemoryOutputs(t *testing.T) {
	dir := t.TempDir()
	appPath := writeFile(t, dir, "app.js", `console.log(1)`)

	in := New(Options{LogOutput: io.Discard})
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{appPath},
		Outdir:      filepath.Join(dir, "dist"),
		Write:       true,
		LogLevel:    esbuild.LogLevelSilent,
		Plugins:     []esbuild.Plugin{in.Plugin()},
	})
	if len(result.Errors) == 0 {
		t.Fatal("expected a configuration error when outputs are written to disk")
	}
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e.Text, "Write: false") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error should explain the Write requirement: %+v", result.Errors)
	}
}

func TestPluginClearsCachesAfterBuild(t *testing.T) {
	dir := t.TempDir()
	htmlPath := writeFile(t, dir, "index.html", `<p>plain</p>`)

	in := New(Options{LogOutput: io.Discard})
	in.external.contentCache.put("https://cdn.example.com/x.js", []byte("stale"))

	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{htmlPath},
		Outdir:      filepath.Join(dir, "dist"),
		Write:       false,
		LogLevel:    esbuild.LogLevelSilent,
		Loader:      map[string]esbuild.Loader{".html": esbuild.LoaderCopy},
		Plugins:     []esbuild.Plugin{in.Plugin()},
	})
	if len(result.Errors) > 0 {
		t.Fatalf("build failed: %+v", result.Errors)
	}
	if in.external.contentCache.size() != 0 {
		t.Fatal("caches must be cleared when the build ends")
	}
}
