// Package lspserver composes the runtime into a language server.
//
// A Server owns the handler registry shared by every connection. Handlers are
// registered once at composition time, either as typed functions:
//
//	srv := lspserver.New(lspserver.WithServerInfo("cake-ls", "0.1.0"))
//	err := lspserver.OnRequest(srv, lsp.HoverMethod,
//		func(ctx context.Context, p *protocol.HoverParams) (*protocol.Hover, error) {
//			return hoverFor(p), nil
//		},
//		lspserver.WithDocumentSelector(&protocol.DocumentFilter{Pattern: "**/*.cake"}),
//	)
//
// or as values implementing registry.Handler through Handle and HandleGroup.
//
// Each connection gets a Session. The session clones the registry, negotiates
// it against the client's capabilities during initialize, announces deferred
// handlers with client/registerCapability after initialized and routes every
// other message through the router. A transport such as package stdio feeds
// decoded messages to Session.HandleMessage one at a time.
package lspserver
