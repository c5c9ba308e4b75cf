package match

import (
	"encoding/json"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/registry"
)

// Specificity ranks how narrowly a filter selects documents. Higher wins.
const (
	SpecificityNone = iota
	SpecificityScheme
	SpecificityLanguage
	SpecificityPattern
	SpecificityPatternAndLanguage
	SpecificityExact
)

// DocumentSelectorMatcher matches the document URI of a payload against the
// descriptors' document selectors.
//
// The URI is read from textDocument.uri, falling back to uri. The language of
// the document comes from textDocument.languageId when the payload carries
// one, else from the Languages tracker.
type DocumentSelectorMatcher struct {
	Languages *Languages

	globs sync.Map // pattern -> glob.Glob (nil when the pattern is invalid)
}

// NewDocumentSelectorMatcher returns a matcher with its own language tracker.
func NewDocumentSelectorMatcher() *DocumentSelectorMatcher {
	return &DocumentSelectorMatcher{Languages: NewLanguages()}
}

// Match implements Matcher.
func (m *DocumentSelectorMatcher) Match(method string, params json.RawMessage, candidates []*registry.Descriptor) ([]*registry.Descriptor, bool) {
	doc, ok := documentOf(params)
	if !ok {
		return nil, false
	}
	if doc.language == "" && m.Languages != nil {
		doc.language, _ = m.Languages.Lookup(doc.uri)
	}

	type ranked struct {
		d     *registry.Descriptor
		score int
	}
	var out []ranked
	for _, d := range candidates {
		if len(d.DocumentSelector) == 0 {
			out = append(out, ranked{d, SpecificityNone})
			continue
		}
		best := -1
		for _, f := range d.DocumentSelector {
			if f == nil || !m.filterMatches(f, doc) {
				continue
			}
			if s := Specificity(f); s > best {
				best = s
			}
		}
		if best >= 0 {
			out = append(out, ranked{d, best})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].d.Order() < out[j].d.Order()
	})
	matched := make([]*registry.Descriptor, len(out))
	for i, r := range out {
		matched[i] = r.d
	}
	return matched, true
}

// Observe feeds the language tracker from didOpen and didClose.
func (m *DocumentSelectorMatcher) Observe(method string, params json.RawMessage) {
	if m.Languages != nil {
		m.Languages.Observe(method, params)
	}
}

func (m *DocumentSelectorMatcher) filterMatches(f *protocol.DocumentFilter, doc document) bool {
	if f.Language != "" && f.Language != doc.language {
		return false
	}
	if f.Scheme != "" && f.Scheme != doc.scheme {
		return false
	}
	if f.Pattern != "" && !m.patternMatches(f.Pattern, doc.path) {
		return false
	}
	return true
}

func (m *DocumentSelectorMatcher) patternMatches(pattern, p string) bool {
	g := m.compile(pattern)
	if g == nil {
		return false
	}
	if g.Match(p) {
		return true
	}
	// Patterns without a directory part apply to the file name, as do
	// "**/" patterns for documents outside any directory.
	if !strings.Contains(pattern, "/") {
		return g.Match(path.Base(p))
	}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		if g := m.compile(rest); g != nil {
			return g.Match(path.Base(p))
		}
	}
	return false
}

func (m *DocumentSelectorMatcher) compile(pattern string) glob.Glob {
	if v, ok := m.globs.Load(pattern); ok {
		g, _ := v.(glob.Glob)
		return g
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		m.globs.Store(pattern, nil)
		return nil
	}
	m.globs.Store(pattern, g)
	return g
}

// Specificity scores a filter. A pattern without wildcards is the most
// specific, a filter with nothing set the least.
func Specificity(f *protocol.DocumentFilter) int {
	switch {
	case f.Pattern != "" && !hasMeta(f.Pattern):
		return SpecificityExact
	case f.Pattern != "" && f.Language != "":
		return SpecificityPatternAndLanguage
	case f.Pattern != "":
		return SpecificityPattern
	case f.Language != "":
		return SpecificityLanguage
	case f.Scheme != "":
		return SpecificityScheme
	default:
		return SpecificityNone
	}
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[{\`)
}

type document struct {
	uri      string
	scheme   string
	path     string
	language string
}

func documentOf(params json.RawMessage) (document, bool) {
	if len(params) == 0 {
		return document{}, false
	}
	res := gjson.GetBytes(params, "textDocument.uri")
	if !res.Exists() {
		res = gjson.GetBytes(params, "uri")
	}
	if res.Type != gjson.String || res.Str == "" {
		return document{}, false
	}
	doc := document{
		uri:      res.Str,
		language: gjson.GetBytes(params, "textDocument.languageId").Str,
	}
	u, err := url.Parse(res.Str)
	if err != nil {
		return document{}, false
	}
	doc.scheme = u.Scheme
	doc.path = u.Path
	if u.Scheme == uri.FileScheme {
		if name, ok := filename(uri.URI(res.Str)); ok {
			doc.path = filepath.ToSlash(name)
		}
	}
	return doc, true
}

// filename converts a file URI to a path. uri.URI.Filename panics on URIs it
// cannot parse.
func filename(u uri.URI) (name string, ok bool) {
	defer func() {
		if recover() != nil {
			name, ok = "", false
		}
	}()
	return u.Filename(), true
}

// Languages tracks the language id of open documents.
type Languages struct {
	mu    sync.RWMutex
	byURI map[string]string
}

// NewLanguages returns an empty tracker.
func NewLanguages() *Languages {
	return &Languages{byURI: make(map[string]string)}
}

// Open records the language of a document.
func (l *Languages) Open(docURI, languageID string) {
	l.mu.Lock()
	l.byURI[docURI] = languageID
	l.mu.Unlock()
}

// Close forgets a document.
func (l *Languages) Close(docURI string) {
	l.mu.Lock()
	delete(l.byURI, docURI)
	l.mu.Unlock()
}

// Lookup returns the language of an open document.
func (l *Languages) Lookup(docURI string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lang, ok := l.byURI[docURI]
	return lang, ok
}

// Observe updates the tracker from didOpen and didClose payloads.
func (l *Languages) Observe(method string, params json.RawMessage) {
	switch lsp.Method(method) {
	case lsp.DidOpenNotification:
		docURI := gjson.GetBytes(params, "textDocument.uri").Str
		lang := gjson.GetBytes(params, "textDocument.languageId").Str
		if docURI != "" && lang != "" {
			l.Open(docURI, lang)
		}
	case lsp.DidCloseNotification:
		if docURI := gjson.GetBytes(params, "textDocument.uri").Str; docURI != "" {
			l.Close(docURI)
		}
	}
}
