// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp implements the diagnostics client: a long-lived language
// server subprocess spoken to over stdin/stdout with Language Server
// Protocol framing.
//
// Only the protocol subset the engine needs is implemented: the
// initialize handshake, document synchronization (didOpen/didChange),
// and diagnostics retrieval. Nothing here depends on a particular
// language server; gopls, pyright and typescript-language-server are
// pre-registered in the config registry.
package lsp

// =============================================================================
// Protocol Types
// =============================================================================

// Position is a zero-based line/character location in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) span in a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range within a named document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// DiagnosticSeverity follows the LSP numeric encoding.
type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// String returns the lowercase severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// Weight returns the syntactic energy contribution of one diagnostic at
// this severity. A file with a single error carries energy 1.0; hints
// are free.
func (s DiagnosticSeverity) Weight() float64 {
	switch s {
	case SeverityError:
		return 1.0
	case SeverityWarning:
		return 0.3
	case SeverityInformation:
		return 0.05
	default:
		return 0.0
	}
}

// Diagnostic is a single problem reported by the language server.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     interface{}        `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// =============================================================================
// Document Synchronization
// =============================================================================

// TextDocumentItem describes a document being opened.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// TextDocumentIdentifier names a document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document and its sync version.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// DidOpenTextDocumentParams is the payload of textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent carries a full-document replacement.
// Incremental sync is deliberately not used; the engine always has the
// whole file in hand after an edit.
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

// DidChangeTextDocumentParams is the payload of textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// =============================================================================
// Diagnostics Retrieval
// =============================================================================

// DocumentDiagnosticParams is the payload of textDocument/diagnostic
// (LSP 3.17 pull diagnostics).
type DocumentDiagnosticParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DocumentDiagnosticReport is the pull-diagnostics response.
type DocumentDiagnosticReport struct {
	Kind  string       `json:"kind"`
	Items []Diagnostic `json:"items"`
}

// PublishDiagnosticsParams is the payload of the server-initiated
// textDocument/publishDiagnostics notification, used as a fallback when
// the server does not support pull diagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// =============================================================================
// Initialize Handshake
// =============================================================================

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProcessID    int                `json:"processId"`
	RootURI      string             `json:"rootUri"`
	Capabilities ClientCapabilities `json:"capabilities"`
}

// ClientCapabilities advertises what this client understands.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument,omitempty"`
}

// TextDocumentClientCapabilities covers the document features we use.
type TextDocumentClientCapabilities struct {
	Synchronization *SynchronizationCapabilities `json:"synchronization,omitempty"`
	Diagnostic      *DiagnosticCapabilities      `json:"diagnostic,omitempty"`
}

// SynchronizationCapabilities for didOpen/didChange.
type SynchronizationCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

// DiagnosticCapabilities for pull diagnostics.
type DiagnosticCapabilities struct {
	RelatedDocumentSupport bool `json:"relatedDocumentSupport,omitempty"`
}

// InitializeResult is the server's handshake response.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
}

// ServerCapabilities holds the subset of advertised capabilities the
// engine inspects. Providers can be booleans or option objects, so the
// fields are interface{} with Has* accessors.
type ServerCapabilities struct {
	TextDocumentSync   interface{} `json:"textDocumentSync,omitempty"`
	DiagnosticProvider interface{} `json:"diagnosticProvider,omitempty"`
}

// HasDiagnosticProvider reports whether the server supports pull
// diagnostics (textDocument/diagnostic).
func (c ServerCapabilities) HasDiagnosticProvider() bool {
	return hasProvider(c.DiagnosticProvider)
}

func hasProvider(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		// An options object means the capability is present.
		return true
	}
}
