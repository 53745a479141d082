// Package sri injects Subresource Integrity attributes into the HTML
// documents of a finished build: it digests each referenced script and
// stylesheet (bundle-internal or CORS-verifiable external) and rewrites
// the markup with integrity and crossorigin attributes.
package sri

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	esbuild "github.com/evanw/esbuild/pkg/api"
)

const pluginName = "sri"

// ErrHostOutputsUnavailable is returned when the host build writes files
// straight to disk instead of handing them over in memory, leaving the
// plugin nothing to rewrite. This is a configuration error and aborts
// the build.
var ErrHostOutputsUnavailable = errors.New(
	"sri: build must run with Write: false so output files are available in memory")

// Injector owns one configuration's logger, caches and resolvers.
// Construct with New; an Injector is safe for concurrent use and may be
// reused across builds, since its caches are cleared at end of build.
type Injector struct {
	opts     Options
	logger   *log.Logger
	external *externalResolver
	calc     *calculator
}

// New builds an Injector from opts, filling in defaults.
func New(opts Options) *Injector {
	opts = opts.withDefaults()
	logger := newLogger(opts)
	external := newExternalResolver(opts, logger)
	return &Injector{
		opts:     opts,
		logger:   logger,
		external: external,
		calc:     &calculator{opts: opts, logger: logger, external: external},
	}
}

// ClearCaches wipes the CORS-verdict and content caches. Hosts driving
// Transform directly should call this when a build finishes; the esbuild
// plugin does it automatically.
func (in *Injector) ClearCaches() {
	in.external.clear()
}

// ProcessBundle rewrites every HTML document in the bundle and returns
// the rewritten contents keyed by path. Documents are transformed
// concurrently. A document whose transform fails is logged and omitted
// from the result, leaving its pre-transform content in force; one bad
// file never aborts the others.
func (in *Injector) ProcessBundle(ctx context.Context, bundle Bundle) map[string]string {
	var htmlPaths []string
	for p := range bundle {
		if isHTMLPath(p) {
			htmlPaths = append(htmlPaths, p)
		}
	}
	if len(htmlPaths) == 0 {
		return nil
	}
	sort.Strings(htmlPaths)

	rewritten := make(map[string]string, len(htmlPaths))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range htmlPaths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := in.Transform(ctx, bundle, p, string(bundle[p].Contents))
			if err != nil {
				in.logger.Error("leaving document unmodified", "html", p, "err", err)
				return
			}
			mu.Lock()
			rewritten[p] = out
			mu.Unlock()
		}()
	}
	wg.Wait()
	return rewritten
}

// Plugin adapts the Injector to esbuild. The OnEnd hook runs after every
// output file, HTML included, has been produced, which is the ordering
// the rewrite depends on. Caches are cleared when the hook returns, even
// on error paths, so watch-mode rebuilds start clean.
func (in *Injector) Plugin() esbuild.Plugin {
	return esbuild.Plugin{
		Name: pluginName,
		Setup: func(build esbuild.PluginBuild) {
			initial := build.InitialOptions
			build.OnStart(func() (esbuild.OnStartResult, error) {
				if initial.Write {
					return esbuild.OnStartResult{}, ErrHostOutputsUnavailable
				}
				return esbuild.OnStartResult{}, nil
			})
			build.OnEnd(func(result *esbuild.BuildResult) (esbuild.OnEndResult, error) {
				defer in.ClearCaches()
				if len(result.Errors) > 0 {
					return esbuild.OnEndResult{}, nil
				}
				bundle := FromBuildResult(result, initial.Outdir)
				rewritten := in.ProcessBundle(context.Background(), bundle)
				if len(rewritten) == 0 {
					return esbuild.OnEndResult{}, nil
				}
				for i := range result.OutputFiles {
					key := outputKey(initial.Outdir, result.OutputFiles[i].Path)
					if html, ok := rewritten[key]; ok {
						result.OutputFiles[i].Contents = []byte(html)
					}
				}
				return esbuild.OnEndResult{}, nil
			})
		},
	}
}
