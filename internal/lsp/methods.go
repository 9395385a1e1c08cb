package lsp

// Protocol lifecycle methods
const (
	// MethodInitialize is sent as the first request from client to server
	MethodInitialize = "initialize"
	// MethodInitialized is sent from client to server after the initialize response
	MethodInitialized = "initialized"
	// MethodShutdown is sent from client to server to shutdown the server
	MethodShutdown = "shutdown"
	// MethodExit is sent from client to server to exit the server process
	MethodExit = "exit"
)

// Document synchronization methods
const (
	// MethodTextDocumentDidOpen is sent when a document is opened
	MethodTextDocumentDidOpen = "textDocument/didOpen"
	// MethodTextDocumentDidChange is sent when a document is modified
	MethodTextDocumentDidChange = "textDocument/didChange"
	// MethodTextDocumentDidClose is sent when a document is closed
	MethodTextDocumentDidClose = "textDocument/didClose"
)

// Language feature methods
const (
	// MethodTextDocumentRename renames a symbol across the workspace
	MethodTextDocumentRename = "textDocument/rename"
	// MethodTextDocumentDefinition provides go-to-definition functionality
	MethodTextDocumentDefinition = "textDocument/definition"
	// MethodTextDocumentHover provides hover information for symbols
	MethodTextDocumentHover = "textDocument/hover"
	// MethodTextDocumentReferences finds all references to a symbol
	MethodTextDocumentReferences = "textDocument/references"
	// MethodTextDocumentCompletion provides auto-completion suggestions
	MethodTextDocumentCompletion = "textDocument/completion"
	// MethodTextDocumentCodeLens returns code lens annotations for a document
	MethodTextDocumentCodeLens = "textDocument/codeLens"
	// MethodTextDocumentDocumentSymbol returns document symbols outline
	MethodTextDocumentDocumentSymbol = "textDocument/documentSymbol"
	// MethodTextDocumentSignatureHelp provides call signature information
	MethodTextDocumentSignatureHelp = "textDocument/signatureHelp"
)

// Server-to-client notifications
const (
	// MethodProgress reports work-done progress from the server
	MethodProgress = "$/progress"
	// MethodWindowLogMessage carries server log output
	MethodWindowLogMessage = "window/logMessage"
)
