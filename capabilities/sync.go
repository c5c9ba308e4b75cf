package capabilities

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"go.lsp.dev/protocol"

	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/registry"
)

// syncCombiner builds textDocumentSync from the set of synchronization
// handlers present. When handlers disagree on the change kind, full content
// wins, since any handler can work from full text.
type syncCombiner struct{}

func (s syncCombiner) get(d *registry.Descriptor) (any, error) {
	return s.reduce([]*registry.Descriptor{d})
}

func (syncCombiner) reduce(ds []*registry.Descriptor) (any, error) {
	var opts protocol.TextDocumentSyncOptions
	for _, d := range ds {
		raw, err := json.Marshal(d.RegistrationOptions)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal registration options: %w", d, err)
		}
		switch lsp.Method(d.Method) {
		case lsp.DidOpenNotification, lsp.DidCloseNotification:
			opts.OpenClose = true
		case lsp.DidChangeNotification:
			kind := protocol.TextDocumentSyncKind(gjson.GetBytes(raw, "syncKind").Float())
			if kind == protocol.TextDocumentSyncKindNone {
				kind = protocol.TextDocumentSyncKindFull
			}
			if opts.Change == protocol.TextDocumentSyncKindNone || kind < opts.Change {
				opts.Change = kind
			}
		case lsp.DidSaveNotification:
			if opts.Save == nil {
				opts.Save = &protocol.SaveOptions{}
			}
			opts.Save.IncludeText = opts.Save.IncludeText || gjson.GetBytes(raw, "includeText").Bool()
		case lsp.WillSaveNotification:
			opts.WillSave = true
		case lsp.WillSaveWaitUntilMethod:
			opts.WillSaveWaitUntil = true
		}
	}
	return opts, nil
}
