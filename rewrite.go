package sri

import (
	"bytes"
	"context"
	"sort"
	"strings"

	gohtml "golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// tagKind identifies the three tag categories eligible for injection.
type tagKind int

const (
	tagScript tagKind = iota
	tagStylesheet
	tagModulePreload
)

// resourceRef is one qualifying tag found during the scan. insertAt is
// the byte offset inside the opening tag where new attributes land:
// immediately before the closing ">", or before the whitespace that
// precedes a self-closing "/>".
type resourceRef struct {
	url            string
	kind           tagKind
	insertAt       int
	hasCrossOrigin bool
}

// integrityChange is one pending insertion. Changes are collected for the
// whole document and applied in a single descending-offset pass so no
// splice shifts the offset of another.
type integrityChange struct {
	insertAt       int
	digest         string
	url            string
	hasCrossOrigin bool
}

// Transform rewrites one HTML document, adding integrity and crossorigin
// attributes to script, stylesheet-link and modulepreload-link tags whose
// resources resolve. All references are resolved concurrently; the output
// is deterministic regardless of completion order. On a fatal missing
// asset the original document is returned together with the error.
func (in *Injector) Transform(ctx context.Context, bundle Bundle, htmlPath, doc string) (string, error) {
	if doc == "" {
		return doc, nil
	}

	refs := scanResourceTags(doc)
	if len(refs) == 0 {
		return doc, nil
	}

	changes := make([]*integrityChange, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			d, err := in.calc.calculate(gctx, bundle, htmlPath, ref.url)
			if err != nil {
				return err
			}
			if d == "" {
				return nil
			}
			changes[i] = &integrityChange{
				insertAt:       ref.insertAt,
				digest:         d,
				url:            ref.url,
				hasCrossOrigin: ref.hasCrossOrigin,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return doc, err
	}

	pending := make([]*integrityChange, 0, len(changes))
	for _, ch := range changes {
		if ch != nil {
			pending = append(pending, ch)
		}
	}
	if len(pending) == 0 {
		return doc, nil
	}

	// Back-to-front: forward order would invalidate later offsets since
	// every splice lengthens the string.
	sort.Slice(pending, func(i, j int) bool { return pending[i].insertAt > pending[j].insertAt })

	out := doc
	for _, ch := range pending {
		attrs := ` integrity="` + ch.digest + `"`
		if !ch.hasCrossOrigin && in.opts.CrossOrigin != "" {
			attrs += ` crossorigin="` + in.opts.CrossOrigin + `"`
		}
		out = out[:ch.insertAt] + attrs + out[ch.insertAt:]
		in.logger.Debug("injected integrity attribute", "url", ch.url, "html", htmlPath)
	}
	return out, nil
}

// scanResourceTags tokenizes the document and collects qualifying tags:
// <script src>, <link rel=stylesheet href> and <link rel=modulepreload
// href>, in any attribute order, quoting or spacing. Tags that already
// carry an integrity attribute are skipped rather than overwritten, as
// are data: and javascript: references. A tokenizer error ends the scan:
// a malformed region simply yields no matches and passes through.
func scanResourceTags(doc string) []resourceRef {
	z := gohtml.NewTokenizer(strings.NewReader(doc))
	var refs []resourceRef
	offset := 0
	for {
		tt := z.Next()
		if tt == gohtml.ErrorToken {
			break
		}
		raw := z.Raw()
		start := offset
		offset += len(raw)

		if tt != gohtml.StartTagToken && tt != gohtml.SelfClosingTagToken {
			continue
		}
		selfClosing := bytes.HasSuffix(raw, []byte("/>"))
		token := z.Token()
		if token.Data != "script" && token.Data != "link" {
			continue
		}

		attrs := make(map[string]string, len(token.Attr))
		for _, a := range token.Attr {
			attrs[a.Key] = a.Val
		}
		if _, ok := attrs["integrity"]; ok {
			continue
		}

		ref := resourceRef{insertAt: start + len(raw) - 1}
		if selfClosing {
			// Insert before the whitespace run that precedes "/>" so the
			// splice keeps the tag's spacing: `href="x" />` becomes
			// `href="x" integrity="…" />`.
			end := len(raw) - 2
			for end > 0 && (raw[end-1] == ' ' || raw[end-1] == '\t' || raw[end-1] == '\n' || raw[end-1] == '\r') {
				end--
			}
			ref.insertAt = start + end
		}
		_, ref.hasCrossOrigin = attrs["crossorigin"]

		switch token.Data {
		case "script":
			src := attrs["src"]
			if src == "" || isNonResource(src) {
				continue
			}
			ref.url = src
			ref.kind = tagScript
		case "link":
			href := attrs["href"]
			if href == "" || isNonResource(href) {
				continue
			}
			switch {
			case strings.EqualFold(attrs["rel"], "stylesheet"):
				ref.kind = tagStylesheet
			case strings.EqualFold(attrs["rel"], "modulepreload"):
				ref.kind = tagModulePreload
			default:
				continue
			}
			ref.url = href
		}
		refs = append(refs, ref)
	}
	return refs
}
