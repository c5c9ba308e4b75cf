// Package registry holds handler descriptors: which handler services which
// method, for which documents, and under which concurrency rule.
//
// A Descriptor is keyed by (method, key). The key is "default" for handlers
// without a document selector and is derived from the selector otherwise, so
// handlers for disjoint document sets can share a method:
//
//	reg := registry.New(nil)
//	_, err := reg.Add(registry.Descriptor{
//		Method:  string(lsp.HoverMethod),
//		Handler: hover,
//		DocumentSelector: protocol.DocumentSelector{{Pattern: "**/*.cake"}},
//	})
//
// Methods must be present in the Catalog. Registering an unknown method or a
// second handler for an existing (method, key) pair fails with
// lsp.ErrUnknownMethod or lsp.ErrDescriptorConflict.
package registry
