package surface

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// AssetResolver converts a relative resource reference into a
// surface-addressable form (e.g. a host-scheme URI). The embedding
// host supplies it; nil leaves references untouched.
type AssetResolver func(ref string) string

// messagingShim is injected into every rendered document. It exposes
// window.appdeck for the surface's own outbound messaging over the
// embedding's native channel.
const messagingShim = `(function () {
  var host = window.appdeckHost ||
    (typeof acquireHostApi === "function" ? acquireHostApi() : null);
  var handlers = [];
  window.appdeck = {
    publish: function (event, payload) {
      if (host) host.postMessage({ event: event, payload: payload });
    },
    on: function (fn) { handlers.push(fn); }
  };
  window.addEventListener("message", function (e) {
    var env = e.data || {};
    if (!env.event) return;
    for (var i = 0; i < handlers.length; i++) handlers[i](env);
  });
})();`

// Rewriter prepares surface content for loading: rewrites relative
// src/href references and injects the messaging shim.
type Rewriter struct {
	resolve AssetResolver
}

// NewRewriter creates a rewriter with an optional asset resolver.
func NewRewriter(resolve AssetResolver) *Rewriter {
	return &Rewriter{resolve: resolve}
}

// Rewrite parses the content, rewrites resource references, appends
// the messaging shim, and re-serializes the document.
func (rw *Rewriter) Rewrite(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", err
	}

	if rw.resolve != nil {
		doc.Find("[src]").Each(func(_ int, sel *goquery.Selection) {
			rw.rewriteAttr(sel, "src")
		})
		doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
			rw.rewriteAttr(sel, "href")
		})
	}

	doc.Find("body").AppendHtml("<script>" + messagingShim + "</script>")

	return doc.Html()
}

// rewriteAttr rewrites one attribute if its value is a relative
// reference.
func (rw *Rewriter) rewriteAttr(sel *goquery.Selection, attr string) {
	val, ok := sel.Attr(attr)
	if !ok || val == "" || !isRelativeRef(val) {
		return
	}
	sel.SetAttr(attr, rw.resolve(val))
}

// isRelativeRef reports whether a reference needs rewriting: anything
// without an explicit scheme or protocol-relative prefix.
func isRelativeRef(ref string) bool {
	if strings.HasPrefix(ref, "//") || strings.HasPrefix(ref, "#") {
		return false
	}
	// A scheme like http:, data:, vscode-resource: ends the prefix at
	// the first colon before any slash or query.
	if i := strings.IndexAny(ref, ":/?"); i >= 0 && ref[i] == ':' {
		return false
	}
	return true
}
