package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ggoodman/lsp-server-go/lsp"
)

// Kind says whether a method expects a response.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Capability maps a method onto the capability trees exchanged during
// initialize.
type Capability struct {
	// ClientPath is the dotted path of the client capability that gates the
	// method, e.g. "textDocument.hover".
	ClientPath string
	// ServerKey is the dotted path in ServerCapabilities where the method's
	// options are advertised, e.g. "hoverProvider". Empty when the method can
	// only be registered dynamically.
	ServerKey string
	// RegistrationMethod is the method named in client/registerCapability.
	// It defaults to the method itself.
	RegistrationMethod string
	// ClientFlag, when set, names a boolean member of the ClientPath object
	// that must be true for the method to be supported, e.g. "didCreate"
	// under "workspace.fileOperations".
	ClientFlag string
}

// MethodInfo is the static description of one method in the catalog.
type MethodInfo struct {
	Method      string
	Kind        Kind
	Concurrency Concurrency
	Capability  *Capability
	// Registers reports whether handlers for the method can be announced via
	// client/registerCapability.
	Registers bool
	// SerialGroup names the queue Serial work for the method is ordered in.
	// Empty means the method has its own queue.
	SerialGroup string
}

// Catalog is the table of methods handlers may be registered for. Lookups are
// safe for concurrent use; Define is meant for composition time.
type Catalog struct {
	mu      sync.RWMutex
	methods map[string]MethodInfo
}

// NewCatalog returns a catalog holding only the given entries.
func NewCatalog(infos ...MethodInfo) *Catalog {
	c := &Catalog{methods: make(map[string]MethodInfo, len(infos))}
	for _, info := range infos {
		c.methods[info.Method] = info
	}
	return c
}

// DefaultCatalog returns a fresh catalog with the LSP 3.17 client-to-server
// methods that the runtime can route.
func DefaultCatalog() *Catalog {
	return NewCatalog(builtinMethods()...)
}

// Define adds or replaces a method entry. Custom methods must be defined
// before handlers are registered for them.
func (c *Catalog) Define(info MethodInfo) error {
	if info.Method == "" {
		return fmt.Errorf("define method: empty method name")
	}
	if info.Kind != KindRequest && info.Kind != KindNotification {
		return fmt.Errorf("define method %q: kind must be request or notification", info.Method)
	}
	c.mu.Lock()
	c.methods[info.Method] = info
	c.mu.Unlock()
	return nil
}

// Lookup returns the entry for method.
func (c *Catalog) Lookup(method string) (MethodInfo, bool) {
	c.mu.RLock()
	info, ok := c.methods[method]
	c.mu.RUnlock()
	return info, ok
}

// MustLookup is Lookup for methods known to be present.
func (c *Catalog) MustLookup(method string) MethodInfo {
	info, ok := c.Lookup(method)
	if !ok {
		panic(fmt.Sprintf("registry: %q is not in the catalog", method))
	}
	return info
}

// Methods returns all entries sorted by method name.
func (c *Catalog) Methods() []MethodInfo {
	c.mu.RLock()
	out := make([]MethodInfo, 0, len(c.methods))
	for _, info := range c.methods {
		out = append(out, info)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

func request(m lsp.Method, cc Concurrency, clientPath, serverKey string) MethodInfo {
	info := MethodInfo{Method: string(m), Kind: KindRequest, Concurrency: cc}
	if clientPath != "" {
		info.Capability = &Capability{ClientPath: clientPath, ServerKey: serverKey, RegistrationMethod: string(m)}
		info.Registers = true
	}
	return info
}

func notification(m lsp.Method, cc Concurrency, clientPath, serverKey string) MethodInfo {
	info := request(m, cc, clientPath, serverKey)
	info.Kind = KindNotification
	return info
}

// synced places a document synchronization method in the shared queue so that
// open, change, save and close for a document are observed in arrival order.
func synced(info MethodInfo) MethodInfo {
	info.SerialGroup = documentSyncGroup
	return info
}

const documentSyncGroup = "textDocument/synchronization"

// fileOperation gates a workspace file operation on the shared
// workspace.fileOperations object, which carries dynamicRegistration, and on
// the operation's own boolean flag inside it.
func fileOperation(info MethodInfo, flag string) MethodInfo {
	info.Capability = &Capability{
		ClientPath:         "workspace.fileOperations",
		ClientFlag:         flag,
		ServerKey:          "workspace.fileOperations." + flag,
		RegistrationMethod: info.Method,
	}
	info.Registers = true
	return info
}

// companion entries share the client capability of their provide method, so
// they are dropped with it, but they never advertise or register on their own.
func companion(m lsp.Method, provide MethodInfo) MethodInfo {
	info := MethodInfo{Method: string(m), Kind: KindRequest, Concurrency: provide.Concurrency}
	if provide.Capability != nil {
		info.Capability = &Capability{ClientPath: provide.Capability.ClientPath}
	}
	return info
}

func builtinMethods() []MethodInfo {
	completion := request(lsp.CompletionMethod, Parallel, "textDocument.completion", "completionProvider")
	codeLens := request(lsp.CodeLensMethod, Parallel, "textDocument.codeLens", "codeLensProvider")
	codeAction := request(lsp.CodeActionMethod, Parallel, "textDocument.codeAction", "codeActionProvider")
	documentLink := request(lsp.DocumentLinkMethod, Parallel, "textDocument.documentLink", "documentLinkProvider")
	documentColor := request(lsp.DocumentColorMethod, Parallel, "textDocument.colorProvider", "colorProvider")
	rename := request(lsp.RenameMethod, Serial, "textDocument.rename", "renameProvider")
	inlayHint := request(lsp.InlayHintMethod, Parallel, "textDocument.inlayHint", "inlayHintProvider")
	diagnostic := request(lsp.DocumentDiagnosticMethod, Parallel, "textDocument.diagnostic", "diagnosticProvider")
	callHierarchy := request(lsp.PrepareCallHierarchyMethod, Parallel, "textDocument.callHierarchy", "callHierarchyProvider")
	typeHierarchy := request(lsp.TypeHierarchyPrepareMethod, Parallel, "textDocument.typeHierarchy", "typeHierarchyProvider")

	semanticTokens := request(lsp.SemanticTokensFullMethod, Parallel, "textDocument.semanticTokens", "semanticTokensProvider")
	semanticTokens.Capability.RegistrationMethod = string(lsp.SemanticTokensMethod)

	return []MethodInfo{
		// Lifecycle is driven by the session. The entries let observers
		// register for initialized and shutdown.
		request(lsp.InitializeMethod, Serial, "", ""),
		notification(lsp.InitializedNotification, Serial, "", ""),
		request(lsp.ShutdownMethod, Serial, "", ""),
		notification(lsp.ExitNotification, Serial, "", ""),
		notification(lsp.SetTraceNotification, Serial, "", ""),
		notification(lsp.WorkDoneProgressCancelMethod, Parallel, "", ""),

		synced(notification(lsp.DidOpenNotification, Serial, "textDocument.synchronization", "textDocumentSync")),
		synced(notification(lsp.DidChangeNotification, Serial, "textDocument.synchronization", "textDocumentSync")),
		synced(notification(lsp.DidCloseNotification, Serial, "textDocument.synchronization", "textDocumentSync")),
		synced(notification(lsp.DidSaveNotification, Serial, "textDocument.synchronization", "textDocumentSync")),
		synced(notification(lsp.WillSaveNotification, Serial, "textDocument.synchronization", "textDocumentSync")),
		synced(request(lsp.WillSaveWaitUntilMethod, Serial, "textDocument.synchronization", "textDocumentSync")),

		completion,
		companion(lsp.CompletionResolveMethod, completion),
		request(lsp.HoverMethod, Parallel, "textDocument.hover", "hoverProvider"),
		request(lsp.SignatureHelpMethod, Parallel, "textDocument.signatureHelp", "signatureHelpProvider"),
		request(lsp.DeclarationMethod, Parallel, "textDocument.declaration", "declarationProvider"),
		request(lsp.DefinitionMethod, Parallel, "textDocument.definition", "definitionProvider"),
		request(lsp.TypeDefinitionMethod, Parallel, "textDocument.typeDefinition", "typeDefinitionProvider"),
		request(lsp.ImplementationMethod, Parallel, "textDocument.implementation", "implementationProvider"),
		request(lsp.ReferencesMethod, Parallel, "textDocument.references", "referencesProvider"),
		request(lsp.DocumentHighlightMethod, Parallel, "textDocument.documentHighlight", "documentHighlightProvider"),
		request(lsp.DocumentSymbolMethod, Parallel, "textDocument.documentSymbol", "documentSymbolProvider"),
		codeAction,
		companion(lsp.CodeActionResolveMethod, codeAction),
		codeLens,
		companion(lsp.CodeLensResolveMethod, codeLens),
		documentLink,
		companion(lsp.DocumentLinkResolveMethod, documentLink),
		documentColor,
		companion(lsp.ColorPresentationMethod, documentColor),
		request(lsp.FormattingMethod, Serial, "textDocument.formatting", "documentFormattingProvider"),
		request(lsp.RangeFormattingMethod, Serial, "textDocument.rangeFormatting", "documentRangeFormattingProvider"),
		request(lsp.OnTypeFormattingMethod, Serial, "textDocument.onTypeFormatting", "documentOnTypeFormattingProvider"),
		rename,
		companion(lsp.PrepareRenameMethod, rename),
		request(lsp.FoldingRangeMethod, Parallel, "textDocument.foldingRange", "foldingRangeProvider"),
		request(lsp.SelectionRangeMethod, Parallel, "textDocument.selectionRange", "selectionRangeProvider"),
		callHierarchy,
		companion(lsp.IncomingCallsMethod, callHierarchy),
		companion(lsp.OutgoingCallsMethod, callHierarchy),
		typeHierarchy,
		companion(lsp.TypeHierarchySupertypeMethod, typeHierarchy),
		companion(lsp.TypeHierarchySubtypeMethod, typeHierarchy),
		semanticTokens,
		companion(lsp.SemanticTokensFullDelta, semanticTokens),
		companion(lsp.SemanticTokensRangeMethod, semanticTokens),
		request(lsp.LinkedEditingRangeMethod, Parallel, "textDocument.linkedEditingRange", "linkedEditingRangeProvider"),
		request(lsp.MonikerMethod, Parallel, "textDocument.moniker", "monikerProvider"),
		inlayHint,
		companion(lsp.InlayHintResolveMethod, inlayHint),
		diagnostic,
		companion(lsp.WorkspaceDiagnosticMethod, diagnostic),

		request(lsp.WorkspaceSymbolMethod, Parallel, "workspace.symbol", "workspaceSymbolProvider"),
		request(lsp.ExecuteCommandMethod, Serial, "workspace.executeCommand", "executeCommandProvider"),
		notification(lsp.DidChangeConfigurationNotification, Serial, "", ""),
		notification(lsp.DidChangeWorkspaceFoldersNotification, Serial, "", ""),
		// Watchers can only be registered dynamically, so there is no server key.
		notification(lsp.DidChangeWatchedFilesNotification, Serial, "workspace.didChangeWatchedFiles", ""),
		fileOperation(request(lsp.WillCreateFilesMethod, Serial, "", ""), "willCreate"),
		fileOperation(notification(lsp.DidCreateFilesNotification, Serial, "", ""), "didCreate"),
		fileOperation(request(lsp.WillRenameFilesMethod, Serial, "", ""), "willRename"),
		fileOperation(notification(lsp.DidRenameFilesNotification, Serial, "", ""), "didRename"),
		fileOperation(request(lsp.WillDeleteFilesMethod, Serial, "", ""), "willDelete"),
		fileOperation(notification(lsp.DidDeleteFilesNotification, Serial, "", ""), "didDelete"),
	}
}
