// Package stdio serves a single language server connection over
// stdin/stdout, the way editors launch servers as subprocesses.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : Content-Length headers, JSON-RPC 2.0 bodies
//	Sessions         : One lspserver.Session for the life of the process
//	Shutdown         : exit notification, EOF on the reader or ctx cancellation
//
// Options allow supplying alternate io.Reader / io.Writer or a custom logger.
//
// Example:
//
//	srv := lspserver.New(lspserver.WithServerInfo("cake-ls", "0.1.0"))
//	// lspserver.OnRequest(srv, lsp.HoverMethod, ...), etc.
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//	os.Exit(h.ExitCode())
package stdio
