package lsp

import "go.lsp.dev/protocol"

// Method is an LSP method identifier used in JSON-RPC messages.
type Method string

// Lifecycle and general messages.
const (
	InitializeMethod             Method = protocol.MethodInitialize
	InitializedNotification      Method = protocol.MethodInitialized
	ShutdownMethod               Method = protocol.MethodShutdown
	ExitNotification             Method = protocol.MethodExit
	CancelRequestNotification    Method = protocol.MethodCancelRequest
	ProgressNotification         Method = protocol.MethodProgress
	SetTraceNotification         Method = protocol.MethodSetTrace
	LogTraceNotification         Method = protocol.MethodLogTrace
	RegisterCapabilityMethod     Method = protocol.MethodClientRegisterCapability
	UnregisterCapabilityMethod   Method = protocol.MethodClientUnregisterCapability
	WorkDoneProgressCreateMethod Method = protocol.MethodWorkDoneProgressCreate
	WorkDoneProgressCancelMethod Method = protocol.MethodWorkDoneProgressCancel
)

// Text document synchronization.
const (
	DidOpenNotification       Method = protocol.MethodTextDocumentDidOpen
	DidChangeNotification     Method = protocol.MethodTextDocumentDidChange
	DidCloseNotification      Method = protocol.MethodTextDocumentDidClose
	DidSaveNotification       Method = protocol.MethodTextDocumentDidSave
	WillSaveNotification      Method = protocol.MethodTextDocumentWillSave
	WillSaveWaitUntilMethod   Method = protocol.MethodTextDocumentWillSaveWaitUntil
	PublishDiagnosticsMethod  Method = protocol.MethodTextDocumentPublishDiagnostics
	DocumentDiagnosticMethod  Method = "textDocument/diagnostic"
	WorkspaceDiagnosticMethod Method = "workspace/diagnostic"
)

// Language features.
const (
	CompletionMethod             Method = protocol.MethodTextDocumentCompletion
	CompletionResolveMethod      Method = protocol.MethodCompletionItemResolve
	HoverMethod                  Method = protocol.MethodTextDocumentHover
	SignatureHelpMethod          Method = protocol.MethodTextDocumentSignatureHelp
	DeclarationMethod            Method = protocol.MethodTextDocumentDeclaration
	DefinitionMethod             Method = protocol.MethodTextDocumentDefinition
	TypeDefinitionMethod         Method = protocol.MethodTextDocumentTypeDefinition
	ImplementationMethod         Method = protocol.MethodTextDocumentImplementation
	ReferencesMethod             Method = protocol.MethodTextDocumentReferences
	DocumentHighlightMethod      Method = protocol.MethodTextDocumentDocumentHighlight
	DocumentSymbolMethod         Method = protocol.MethodTextDocumentDocumentSymbol
	CodeActionMethod             Method = protocol.MethodTextDocumentCodeAction
	CodeActionResolveMethod      Method = "codeAction/resolve"
	CodeLensMethod               Method = protocol.MethodTextDocumentCodeLens
	CodeLensResolveMethod        Method = protocol.MethodCodeLensResolve
	DocumentLinkMethod           Method = protocol.MethodTextDocumentDocumentLink
	DocumentLinkResolveMethod    Method = protocol.MethodDocumentLinkResolve
	DocumentColorMethod          Method = protocol.MethodTextDocumentDocumentColor
	ColorPresentationMethod      Method = protocol.MethodTextDocumentColorPresentation
	FormattingMethod             Method = protocol.MethodTextDocumentFormatting
	RangeFormattingMethod        Method = protocol.MethodTextDocumentRangeFormatting
	OnTypeFormattingMethod       Method = protocol.MethodTextDocumentOnTypeFormatting
	RenameMethod                 Method = protocol.MethodTextDocumentRename
	PrepareRenameMethod          Method = protocol.MethodTextDocumentPrepareRename
	FoldingRangeMethod           Method = protocol.MethodTextDocumentFoldingRange
	SelectionRangeMethod         Method = "textDocument/selectionRange"
	PrepareCallHierarchyMethod   Method = protocol.MethodTextDocumentPrepareCallHierarchy
	IncomingCallsMethod          Method = protocol.MethodCallHierarchyIncomingCalls
	OutgoingCallsMethod          Method = protocol.MethodCallHierarchyOutgoingCalls
	SemanticTokensMethod         Method = "textDocument/semanticTokens"
	SemanticTokensFullMethod     Method = protocol.MethodSemanticTokensFull
	SemanticTokensFullDelta      Method = protocol.MethodSemanticTokensFullDelta
	SemanticTokensRangeMethod    Method = protocol.MethodSemanticTokensRange
	LinkedEditingRangeMethod     Method = protocol.MethodLinkedEditingRange
	MonikerMethod                Method = protocol.MethodMoniker
	InlayHintMethod              Method = "textDocument/inlayHint"
	InlayHintResolveMethod       Method = "inlayHint/resolve"
	TypeHierarchyPrepareMethod   Method = "textDocument/prepareTypeHierarchy"
	TypeHierarchySupertypeMethod Method = "typeHierarchy/supertypes"
	TypeHierarchySubtypeMethod   Method = "typeHierarchy/subtypes"
)

// Workspace features.
const (
	WorkspaceSymbolMethod                 Method = protocol.MethodWorkspaceSymbol
	ExecuteCommandMethod                  Method = protocol.MethodWorkspaceExecuteCommand
	DidChangeConfigurationNotification    Method = protocol.MethodWorkspaceDidChangeConfiguration
	DidChangeWatchedFilesNotification     Method = protocol.MethodWorkspaceDidChangeWatchedFiles
	DidChangeWorkspaceFoldersNotification Method = protocol.MethodWorkspaceDidChangeWorkspaceFolders
	WillCreateFilesMethod                 Method = protocol.MethodWillCreateFiles
	DidCreateFilesNotification            Method = protocol.MethodDidCreateFiles
	WillRenameFilesMethod                 Method = protocol.MethodWillRenameFiles
	DidRenameFilesNotification            Method = protocol.MethodDidRenameFiles
	WillDeleteFilesMethod                 Method = protocol.MethodWillDeleteFiles
	DidDeleteFilesNotification            Method = protocol.MethodDidDeleteFiles
)

// IsProtocolImplementation reports whether the method is in the reserved "$/"
// namespace, which peers may ignore when unsupported.
func (m Method) IsProtocolImplementation() bool {
	return len(m) > 2 && m[0] == '$' && m[1] == '/'
}
