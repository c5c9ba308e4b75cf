package capabilities

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/registry"
)

func nop() registry.Handler {
	return registry.HandlerFunc(func(context.Context, json.RawMessage) (any, error) { return nil, nil })
}

type hoverCaps struct {
	Hover Supports[protocol.HoverTextDocumentClientCapabilities] `json:"hover,omitzero"`
}

func TestSupportsRoundTrip(t *testing.T) {
	for _, in := range []string{
		`{}`,
		`{"hover":false}`,
		`{"hover":true}`,
		`{"hover":null}`,
		`{"hover":{"dynamicRegistration":true}}`,
	} {
		var c hoverCaps
		require.NoError(t, json.Unmarshal([]byte(in), &c), in)
		out, err := json.Marshal(c)
		require.NoError(t, err)
		assert.JSONEq(t, in, string(out))
	}
}

func TestSupportsStates(t *testing.T) {
	decode := func(s string) Supports[DynamicRegistration] {
		var v Supports[DynamicRegistration]
		require.NoError(t, json.Unmarshal([]byte(s), &v))
		return v
	}

	withValue := decode(`{"dynamicRegistration":true}`)
	assert.Equal(t, SupportedWithValue, withValue.State())
	v, ok := withValue.Value()
	require.True(t, ok)
	assert.True(t, v.DynamicRegistration)

	bare := decode(`true`)
	assert.Equal(t, SupportedWithoutValue, bare.State())
	_, ok = bare.Value()
	assert.False(t, ok, "a bare true carries no detail")

	for _, s := range []string{`false`, `null`} {
		u := decode(s)
		assert.Equal(t, Unsupported, u.State(), s)
		assert.False(t, u.IsSupported(), s)
		_, ok := u.Value()
		assert.False(t, ok, s)
	}

	var absent Supports[DynamicRegistration]
	assert.True(t, absent.IsZero())
	assert.False(t, absent.IsSupported())

	assert.Error(t, json.Unmarshal([]byte(`42`), &absent))
}

func TestLookup(t *testing.T) {
	caps := NewClientCapabilities(json.RawMessage(`{"textDocument":{"hover":{"dynamicRegistration":true,"contentFormat":["markdown"]}},"window":{"workDoneProgress":true}}`))

	hover, err := Lookup[protocol.HoverTextDocumentClientCapabilities](caps, "textDocument.hover")
	require.NoError(t, err)
	v, ok := hover.Value()
	require.True(t, ok)
	assert.True(t, v.DynamicRegistration)
	assert.Equal(t, []protocol.MarkupKind{protocol.Markdown}, v.ContentFormat)

	missing, err := Lookup[DynamicRegistration](caps, "textDocument.completion")
	require.NoError(t, err)
	assert.False(t, missing.IsSupported())

	assert.True(t, caps.Bool("window.workDoneProgress"))
	assert.False(t, NewClientCapabilities(nil).Bool("window.workDoneProgress"))
}

func hoverDescriptor(t *testing.T, reg *registry.Registry) *registry.Descriptor {
	t.Helper()
	d, err := reg.Add(registry.Descriptor{Method: string(lsp.HoverMethod), Handler: nop()})
	require.NoError(t, err)
	return d
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		caps string
		want Decision
	}{
		{"value with dynamic registration", `{"textDocument":{"hover":{"dynamicRegistration":true}}}`, Deferred},
		{"value without dynamic registration", `{"textDocument":{"hover":{"contentFormat":["plaintext"]}}}`, Static},
		{"bare true carries no detail", `{"textDocument":{"hover":true}}`, Dropped},
		{"false", `{"textDocument":{"hover":false}}`, Dropped},
		{"null", `{"textDocument":{"hover":null}}`, Dropped},
		{"absent", `{"textDocument":{}}`, Dropped},
		{"no capabilities", `null`, Dropped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := hoverDescriptor(t, registry.New(nil))
			got, err := Decide(NewClientCapabilities(json.RawMessage(tt.caps)), d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideFileOperations(t *testing.T) {
	tests := []struct {
		name string
		caps string
		want Decision
	}{
		{"flag set", `{"workspace":{"fileOperations":{"dynamicRegistration":false,"didCreate":true}}}`, Static},
		{"flag set with dynamic registration", `{"workspace":{"fileOperations":{"dynamicRegistration":true,"didCreate":true}}}`, Deferred},
		{"other operation only", `{"workspace":{"fileOperations":{"didRename":true}}}`, Dropped},
		{"flag false", `{"workspace":{"fileOperations":{"didCreate":false}}}`, Dropped},
		{"no fileOperations", `{"workspace":{}}`, Dropped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := registry.New(nil).Add(registry.Descriptor{Method: string(lsp.DidCreateFilesNotification), Handler: nop()})
			require.NoError(t, err)
			got, err := Decide(NewClientCapabilities(json.RawMessage(tt.caps)), d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNegotiateAdvertisesFileOperation(t *testing.T) {
	reg := registry.New(nil)
	_, err := reg.Add(registry.Descriptor{
		Method:              string(lsp.WillRenameFilesMethod),
		Handler:             nop(),
		RegistrationOptions: json.RawMessage(`{"filters":[{"pattern":{"glob":"**/*.cake"}}]}`),
	})
	require.NoError(t, err)

	caps := NewClientCapabilities(json.RawMessage(`{"workspace":{"fileOperations":{"willRename":true}}}`))
	n, err := NewProvider(reg, nil).Negotiate(caps)
	require.NoError(t, err)
	require.Len(t, n.Static, 1)

	sc, err := n.ServerCapabilities(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"workspace":{"fileOperations":{"willRename":{"filters":[{"pattern":{"glob":"**/*.cake"}}]}}}}`, string(sc))
}

func TestDecideUngatedAndNonRegistering(t *testing.T) {
	reg := registry.New(nil)
	cfg, err := reg.Add(registry.Descriptor{Method: string(lsp.DidChangeConfigurationNotification), Handler: nop()})
	require.NoError(t, err)
	resolve, err := reg.Add(registry.Descriptor{Method: string(lsp.CodeLensResolveMethod), Handler: nop()})
	require.NoError(t, err)

	caps := NewClientCapabilities(json.RawMessage(`{"textDocument":{"codeLens":{"dynamicRegistration":true}}}`))

	got, err := Decide(caps, cfg)
	require.NoError(t, err)
	assert.Equal(t, Static, got)

	got, err = Decide(caps, resolve)
	require.NoError(t, err)
	assert.Equal(t, Static, got, "resolve handlers stay routable while their provider is registered dynamically")
}

func TestNegotiateDropsFromRegistry(t *testing.T) {
	reg := registry.New(nil)
	hoverDescriptor(t, reg)
	def, err := reg.Add(registry.Descriptor{Method: string(lsp.DefinitionMethod), Handler: nop()})
	require.NoError(t, err)
	refs, err := reg.Add(registry.Descriptor{Method: string(lsp.ReferencesMethod), Handler: nop()})
	require.NoError(t, err)

	caps := NewClientCapabilities(json.RawMessage(`{"textDocument":{"hover":false,"definition":{"dynamicRegistration":true},"references":{}}}`))
	n, err := NewProvider(reg, nil).Negotiate(caps)
	require.NoError(t, err)

	require.Len(t, n.Dropped, 1)
	assert.Equal(t, string(lsp.HoverMethod), n.Dropped[0].Method)
	assert.False(t, reg.Has(string(lsp.HoverMethod)))

	assert.Equal(t, []*registry.Descriptor{def}, n.Deferred)
	assert.True(t, n.IsDeferred(string(lsp.DefinitionMethod)))
	assert.Equal(t, []*registry.Descriptor{refs}, n.Static)

	sc, err := n.ServerCapabilities(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"referencesProvider":true}`, string(sc))
}

type countingCombiner struct {
	gets    int
	reduces int
	inputs  []protocol.HoverOptions
}

func (c *countingCombiner) Get(o protocol.HoverOptions) (any, error) {
	c.gets++
	c.inputs = []protocol.HoverOptions{o}
	return o, nil
}

func (c *countingCombiner) Reduce(os []protocol.HoverOptions) (any, error) {
	c.reduces++
	c.inputs = os
	return os[0], nil
}

func TestStaticOptionsCallsGetOrReduceOnce(t *testing.T) {
	caps := NewClientCapabilities(json.RawMessage(`{"textDocument":{"hover":{}}}`))

	t.Run("one contributor", func(t *testing.T) {
		reg := registry.New(nil)
		_, err := reg.Add(registry.Descriptor{
			Method:              string(lsp.HoverMethod),
			Handler:             nop(),
			RegistrationOptions: protocol.HoverOptions{WorkDoneProgressOptions: protocol.WorkDoneProgressOptions{WorkDoneProgress: true}},
		})
		require.NoError(t, err)

		cs := NewCombiners()
		counter := &countingCombiner{}
		RegisterCombiner[protocol.HoverOptions](cs, "hoverProvider", counter)

		n, err := NewProvider(reg, cs).Negotiate(caps)
		require.NoError(t, err)
		_, err = n.ServerCapabilities(nil)
		require.NoError(t, err)

		assert.Equal(t, 1, counter.gets)
		assert.Equal(t, 0, counter.reduces)
		require.Len(t, counter.inputs, 1)
		assert.True(t, counter.inputs[0].WorkDoneProgress)
	})

	t.Run("several contributors", func(t *testing.T) {
		reg := registry.New(nil)
		for _, p := range []string{"**/*.cs", "**/*.cake", "**/*.csx"} {
			_, err := reg.Add(registry.Descriptor{
				Method:           string(lsp.HoverMethod),
				Handler:          nop(),
				DocumentSelector: protocol.DocumentSelector{{Pattern: p}},
			})
			require.NoError(t, err)
		}

		cs := NewCombiners()
		counter := &countingCombiner{}
		RegisterCombiner[protocol.HoverOptions](cs, "hoverProvider", counter)

		n, err := NewProvider(reg, cs).Negotiate(caps)
		require.NoError(t, err)
		_, ok, err := n.StaticOptions("hoverProvider")
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, 0, counter.gets)
		assert.Equal(t, 1, counter.reduces)
		assert.Len(t, counter.inputs, 3)
	})
}

func TestDefaultMergeCombiner(t *testing.T) {
	reg := registry.New(nil)
	_, err := reg.AddRange([]registry.Descriptor{
		{
			Method:  string(lsp.CompletionMethod),
			Handler: nop(),
			RegistrationOptions: json.RawMessage(`{"documentSelector":[{"pattern":"**/*.cs"}],"triggerCharacters":[".",":"],"resolveProvider":false}`),
		},
		{
			Method:  string(lsp.CompletionMethod),
			Handler: nop(),
			RegistrationOptions: json.RawMessage(`{"documentSelector":[{"pattern":"**/*.cake"}],"triggerCharacters":[".","#"],"resolveProvider":true}`),
		},
		{Method: string(lsp.SignatureHelpMethod), Handler: nop()},
		{Method: string(lsp.DefinitionMethod), Handler: nop()},
	})
	require.NoError(t, err)

	caps := NewClientCapabilities(json.RawMessage(`{"textDocument":{"completion":{},"signatureHelp":{},"definition":{}}}`))
	n, err := NewProvider(reg, nil).Negotiate(caps)
	require.NoError(t, err)

	sc, err := n.ServerCapabilities(json.RawMessage(`{"positionEncoding":"utf-16"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"positionEncoding":"utf-16",
		"completionProvider":{"triggerCharacters":[".",":","#"],"resolveProvider":true},
		"signatureHelpProvider":{},
		"definitionProvider":true
	}`, string(sc))
}

func TestTextDocumentSyncCombiner(t *testing.T) {
	reg := registry.New(nil)
	_, err := reg.AddRange([]registry.Descriptor{
		{Method: string(lsp.DidOpenNotification), Handler: nop()},
		{
			Method:  string(lsp.DidChangeNotification),
			Handler: nop(),
			RegistrationOptions: protocol.TextDocumentChangeRegistrationOptions{
				TextDocumentRegistrationOptions: protocol.TextDocumentRegistrationOptions{DocumentSelector: protocol.DocumentSelector{{Language: "csharp"}}},
				SyncKind:                        protocol.TextDocumentSyncKindIncremental,
			},
		},
		{
			Method:  string(lsp.DidChangeNotification),
			Handler: nop(),
			RegistrationOptions: protocol.TextDocumentChangeRegistrationOptions{
				TextDocumentRegistrationOptions: protocol.TextDocumentRegistrationOptions{DocumentSelector: protocol.DocumentSelector{{Language: "cake"}}},
				SyncKind:                        protocol.TextDocumentSyncKindFull,
			},
		},
		{
			Method:              string(lsp.DidSaveNotification),
			Handler:             nop(),
			RegistrationOptions: protocol.TextDocumentSaveRegistrationOptions{IncludeText: true},
		},
	})
	require.NoError(t, err)

	caps := NewClientCapabilities(json.RawMessage(`{"textDocument":{"synchronization":{"didSave":true}}}`))
	n, err := NewProvider(reg, nil).Negotiate(caps)
	require.NoError(t, err)

	v, ok, err := n.StaticOptions("textDocumentSync")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, protocol.TextDocumentSyncOptions{
		OpenClose: true,
		Change:    protocol.TextDocumentSyncKindFull,
		Save:      &protocol.SaveOptions{IncludeText: true},
	}, v)
}

func TestRegistrations(t *testing.T) {
	reg := registry.New(nil)
	ds, err := reg.AddRange([]registry.Descriptor{
		{
			Method:           string(lsp.HoverMethod),
			Handler:          nop(),
			DocumentSelector: protocol.DocumentSelector{{Pattern: "**/*.cake"}},
		},
		{
			Method:  string(lsp.DidChangeWatchedFilesNotification),
			Handler: nop(),
			RegistrationOptions: protocol.DidChangeWatchedFilesRegistrationOptions{
				Watchers: []protocol.FileSystemWatcher{{GlobPattern: "**/*.csproj"}},
			},
		},
		{Method: string(lsp.DefinitionMethod), Handler: nop()},
	})
	require.NoError(t, err)

	params, err := Registrations(ds)
	require.NoError(t, err)
	require.Len(t, params.Registrations, 3)

	ids := map[string]bool{}
	for _, r := range params.Registrations {
		assert.NotEmpty(t, r.ID)
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3)

	hover := params.Registrations[0]
	assert.Equal(t, string(lsp.HoverMethod), hover.Method)
	raw, err := json.Marshal(hover.RegisterOptions)
	require.NoError(t, err)
	assert.JSONEq(t, `{"documentSelector":[{"pattern":"**/*.cake"}]}`, string(raw))

	raw, err = json.Marshal(params.Registrations[1].RegisterOptions)
	require.NoError(t, err)
	assert.JSONEq(t, `{"watchers":[{"globPattern":"**/*.csproj"}]}`, string(raw))

	assert.Nil(t, params.Registrations[2].RegisterOptions)
}

func TestSemanticTokensRegistrationMethod(t *testing.T) {
	reg := registry.New(nil)
	d, err := reg.Add(registry.Descriptor{Method: string(lsp.SemanticTokensFullMethod), Handler: nop()})
	require.NoError(t, err)

	r, err := NewRegistration(d)
	require.NoError(t, err)
	assert.Equal(t, string(lsp.SemanticTokensMethod), r.Method)
}
