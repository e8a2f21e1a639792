// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// ErrDiagnosticsUnavailable is the degraded signal: the language server
// could not produce diagnostics even after one restart. Callers treat
// syntactic energy as unknown rather than zero.
var ErrDiagnosticsUnavailable = errors.New("lsp: diagnostics unavailable")

// ClientConfig tunes the diagnostics client.
type ClientConfig struct {
	// StartupTimeout bounds process spawn plus initialize handshake.
	StartupTimeout time.Duration

	// RequestTimeout bounds a single diagnostics request.
	RequestTimeout time.Duration

	// SettleDelay gives the server time to analyze after a didChange
	// before diagnostics are pulled.
	SettleDelay time.Duration
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		StartupTimeout: 30 * time.Second,
		RequestTimeout: 10 * time.Second,
		SettleDelay:    200 * time.Millisecond,
	}
}

// Client is the engine-facing diagnostics client.
//
// Description:
//
//	Maintains one language server per language for a single workspace
//	root. SyncFile keeps the server's view of a document current;
//	Diagnostics pulls the problem list for a document. When the server
//	times out or dies, the client restarts it exactly once and retries;
//	a second failure yields ErrDiagnosticsUnavailable until the next
//	successful exchange.
//
// Thread Safety:
//
//	Safe for concurrent use. Document versions are client-managed and
//	strictly increasing per document.
type Client struct {
	rootPath string
	registry *ConfigRegistry
	config   ClientConfig
	logger   *slog.Logger

	mu        sync.Mutex
	servers   map[string]*Server // language -> server
	restarted map[string]bool    // language -> already restarted once
	versions  map[string]int     // uri -> last sync version
}

// NewClient creates a diagnostics client for the workspace root.
func NewClient(rootPath string, registry *ConfigRegistry, config ClientConfig) *Client {
	if registry == nil {
		registry = NewConfigRegistry()
	}
	return &Client{
		rootPath:  rootPath,
		registry:  registry,
		config:    config,
		logger:    slog.Default().With("component", "lsp_client"),
		servers:   make(map[string]*Server),
		restarted: make(map[string]bool),
		versions:  make(map[string]int),
	}
}

// SyncFile pushes the current content of a file to the language server.
//
// Description:
//
//	Sends didOpen on first sight of the document and didChange with an
//	incremented version afterwards. The file does not need to exist on
//	disk; content is authoritative.
func (c *Client) SyncFile(ctx context.Context, path, content string) error {
	srv, err := c.serverFor(ctx, path)
	if err != nil {
		return err
	}

	uri := c.uriFor(path)

	c.mu.Lock()
	version, seen := c.versions[uri]
	version++
	c.versions[uri] = version
	c.mu.Unlock()

	if !seen {
		return srv.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: srv.Language(),
				Version:    version,
				Text:       content,
			},
		})
	}

	return srv.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: content}},
	})
}

// Diagnostics returns the current problem list for a document.
//
// Description:
//
//	Pulls textDocument/diagnostic when the server supports it, falling
//	back to the last published diagnostics otherwise. On timeout or a
//	dead connection the server is restarted once and the pull retried;
//	if that also fails the result is ErrDiagnosticsUnavailable.
//
// Outputs:
//
//	[]Diagnostic - May be empty; empty means the document is clean.
//	error - ErrDiagnosticsUnavailable wraps the underlying cause.
func (c *Client) Diagnostics(ctx context.Context, path string) ([]Diagnostic, error) {
	diags, err := c.pull(ctx, path)
	if err == nil {
		return diags, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	lang, ok := c.languageFor(path)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrDiagnosticsUnavailable, err)
	}

	c.mu.Lock()
	already := c.restarted[lang]
	c.restarted[lang] = true
	c.mu.Unlock()

	if already {
		return nil, fmt.Errorf("%w: %v", ErrDiagnosticsUnavailable, err)
	}

	c.logger.Warn("diagnostics failed, restarting language server",
		"language", lang, "error", err)

	if rerr := c.restart(ctx, lang, path); rerr != nil {
		return nil, fmt.Errorf("%w: restart failed: %v", ErrDiagnosticsUnavailable, rerr)
	}

	diags, err = c.pull(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiagnosticsUnavailable, err)
	}

	// Successful exchange re-arms the single restart.
	c.mu.Lock()
	c.restarted[lang] = false
	c.mu.Unlock()
	return diags, nil
}

// pull performs one diagnostics request against the current server.
func (c *Client) pull(ctx context.Context, path string) ([]Diagnostic, error) {
	srv, err := c.serverFor(ctx, path)
	if err != nil {
		return nil, err
	}

	uri := c.uriFor(path)

	if c.config.SettleDelay > 0 {
		select {
		case <-time.After(c.config.SettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !srv.Capabilities().HasDiagnosticProvider() {
		// Push-only server: use whatever it last published.
		return srv.PublishedDiagnostics(uri), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	raw, err := srv.Request(reqCtx, "textDocument/diagnostic", DocumentDiagnosticParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		return nil, err
	}

	var report DocumentDiagnosticReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("lsp: decode diagnostic report: %w", err)
	}
	return report.Items, nil
}

// serverFor returns the Ready server for the file's language, spawning
// one if needed.
func (c *Client) serverFor(ctx context.Context, path string) (*Server, error) {
	lang, ok := c.languageFor(path)
	if !ok {
		return nil, fmt.Errorf("lsp: no language server registered for %q", filepath.Ext(path))
	}

	c.mu.Lock()
	srv, exists := c.servers[lang]
	c.mu.Unlock()

	if exists && srv.State() == ServerStateReady {
		return srv, nil
	}

	config, _ := c.registry.Get(lang)
	return c.spawn(ctx, lang, config)
}

// spawn starts a fresh server and installs it, shutting down any
// previous instance for the language.
func (c *Client) spawn(ctx context.Context, lang string, config LanguageConfig) (*Server, error) {
	startCtx, cancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer cancel()

	srv := NewServer(config, c.rootPath)
	if err := srv.Start(startCtx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	old := c.servers[lang]
	c.servers[lang] = srv
	// New process has no documents open; force re-open on next sync.
	for uri := range c.versions {
		delete(c.versions, uri)
	}
	c.mu.Unlock()

	if old != nil {
		_ = old.Shutdown(context.Background())
	}
	return srv, nil
}

// restart tears the server down and brings a fresh one up, re-syncing
// nothing: callers re-sync documents on the next SyncFile.
func (c *Client) restart(ctx context.Context, lang, path string) error {
	c.mu.Lock()
	old := c.servers[lang]
	delete(c.servers, lang)
	c.mu.Unlock()

	if old != nil {
		_ = old.Shutdown(context.Background())
	}

	config, ok := c.registry.Get(lang)
	if !ok {
		return fmt.Errorf("lsp: no config for language %q", lang)
	}
	_, err := c.spawn(ctx, lang, config)
	return err
}

// Close shuts down every language server. Always safe to call; the
// orchestrator defers it on every execution path.
func (c *Client) Close() {
	c.mu.Lock()
	servers := make([]*Server, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.servers = make(map[string]*Server)
	c.mu.Unlock()

	for _, s := range servers {
		_ = s.Shutdown(context.Background())
	}
}

func (c *Client) languageFor(path string) (string, bool) {
	return c.registry.LanguageForExtension(filepath.Ext(path))
}

func (c *Client) uriFor(path string) string {
	if filepath.IsAbs(path) {
		return "file://" + path
	}
	return "file://" + filepath.Join(c.rootPath, path)
}
