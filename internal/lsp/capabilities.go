package lsp

import (
	"encoding/json"
	"fmt"
)

// ServerCapabilities holds the capability section of an initialize response.
// Fields are interface{} because servers report either booleans or option
// objects for the same capability.
type ServerCapabilities struct {
	RenameProvider         interface{} `json:"renameProvider,omitempty"`
	DefinitionProvider     interface{} `json:"definitionProvider,omitempty"`
	HoverProvider          interface{} `json:"hoverProvider,omitempty"`
	ReferencesProvider     interface{} `json:"referencesProvider,omitempty"`
	CompletionProvider     interface{} `json:"completionProvider,omitempty"`
	CodeLensProvider       interface{} `json:"codeLensProvider,omitempty"`
	DocumentSymbolProvider interface{} `json:"documentSymbolProvider,omitempty"`
	SignatureHelpProvider  interface{} `json:"signatureHelpProvider,omitempty"`
	TextDocumentSync       interface{} `json:"textDocumentSync,omitempty"`
}

// ParseCapabilities extracts the server capabilities from a raw initialize
// response.
func ParseCapabilities(response json.RawMessage) (ServerCapabilities, error) {
	var initResponse struct {
		Capabilities ServerCapabilities `json:"capabilities"`
	}

	if err := json.Unmarshal(response, &initResponse); err != nil {
		return ServerCapabilities{}, fmt.Errorf("failed to unmarshal initialize response: %w", err)
	}

	return initResponse.Capabilities, nil
}

// SupportsMethod reports whether the capabilities cover the given method.
// Lifecycle and document-sync methods are always considered supported.
func SupportsMethod(caps ServerCapabilities, method string) bool {
	switch method {
	case MethodInitialize, MethodInitialized, MethodShutdown, MethodExit:
		return true
	case MethodTextDocumentDidOpen, MethodTextDocumentDidChange, MethodTextDocumentDidClose:
		return true
	case MethodTextDocumentRename:
		return isCapabilitySupported(caps.RenameProvider)
	case MethodTextDocumentDefinition:
		return isCapabilitySupported(caps.DefinitionProvider)
	case MethodTextDocumentHover:
		return isCapabilitySupported(caps.HoverProvider)
	case MethodTextDocumentReferences:
		return isCapabilitySupported(caps.ReferencesProvider)
	case MethodTextDocumentCompletion:
		return isCapabilitySupported(caps.CompletionProvider)
	case MethodTextDocumentCodeLens:
		return isCapabilitySupported(caps.CodeLensProvider)
	case MethodTextDocumentDocumentSymbol:
		return isCapabilitySupported(caps.DocumentSymbolProvider)
	case MethodTextDocumentSignatureHelp:
		return isCapabilitySupported(caps.SignatureHelpProvider)
	default:
		return true
	}
}

func isCapabilitySupported(capability interface{}) bool {
	if capability == nil {
		return false
	}

	if boolVal, ok := capability.(bool); ok {
		return boolVal
	}

	// Some servers report capabilities as option objects; a non-empty
	// object means supported.
	if mapVal, ok := capability.(map[string]interface{}); ok {
		return len(mapVal) > 0
	}

	return true
}
