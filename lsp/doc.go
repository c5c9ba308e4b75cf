// Package lsp contains the protocol vocabulary shared by the runtime engine:
// method names, LSP error codes, response errors and the few wire types the
// engine itself produces or consumes (progress tokens, initialize payloads).
//
// Feature payloads (hover params, completion items, document selectors and so
// on) are not redefined here; handlers use go.lsp.dev/protocol directly and the
// engine treats them as opaque params/result values.
//
// # Method Names
//
// Method constants mirror the LSP 3.17 method catalog. Where
// go.lsp.dev/protocol already names a method the constant is derived from it.
//
// # Errors
//
// ResponseError carries an ErrorCode to the peer. The router recognizes any
// error wrapping a ResponseError and surfaces its code; everything else becomes
// an InternalError. Sentinels compare by code:
//
//	if errors.Is(err, lsp.ErrRequestCancelled) { ... }
package lsp
