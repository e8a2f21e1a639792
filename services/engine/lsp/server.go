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
	"os"
	"os/exec"
	"sync"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrServerAlreadyStarted is returned by Start on a server that has
	// already been started.
	ErrServerAlreadyStarted = errors.New("lsp: server already started")

	// ErrServerNotRunning is returned by Request/Notify when the server
	// is not in the Ready state.
	ErrServerNotRunning = errors.New("lsp: server not running")
)

// =============================================================================
// Server State
// =============================================================================

// ServerState tracks the subprocess lifecycle.
type ServerState int

const (
	ServerStateUninitialized ServerState = iota
	ServerStateStarting
	ServerStateReady
	ServerStateStopping
	ServerStateStopped
)

// String returns the lowercase state name.
func (s ServerState) String() string {
	switch s {
	case ServerStateUninitialized:
		return "uninitialized"
	case ServerStateStarting:
		return "starting"
	case ServerStateReady:
		return "ready"
	case ServerStateStopping:
		return "stopping"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// =============================================================================
// Server
// =============================================================================

// shutdownTimeout bounds the polite shutdown/exit exchange before the
// process is killed outright.
const shutdownTimeout = 3 * time.Second

// Server wraps a single language server subprocess.
//
// Description:
//
//	Owns the child process and the JSON-RPC connection over its
//	stdin/stdout. Start spawns the process and completes the
//	initialize/initialized handshake. Shutdown attempts the polite
//	shutdown/exit sequence and always terminates the process, so no
//	exit path leaks a child.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Server struct {
	config   LanguageConfig
	rootPath string
	logger   *slog.Logger

	mu       sync.Mutex
	state    ServerState
	cmd      *exec.Cmd
	conn     *conn
	caps     ServerCapabilities
	lastUsed time.Time
	stopOnce sync.Once

	// published collects server-pushed diagnostics by URI for servers
	// that do not support pull diagnostics.
	pubMu     sync.Mutex
	published map[string][]Diagnostic
}

// NewServer creates a server for the given language config rooted at
// rootPath. The process is not spawned until Start.
func NewServer(config LanguageConfig, rootPath string) *Server {
	return &Server{
		config:    config,
		rootPath:  rootPath,
		logger:    slog.Default().With("component", "lsp", "language", config.Language),
		state:     ServerStateUninitialized,
		lastUsed:  time.Now(),
		published: make(map[string][]Diagnostic),
	}
}

// Language returns the language identifier this server handles.
func (s *Server) Language() string { return s.config.Language }

// RootPath returns the workspace root the server was created for.
func (s *Server) RootPath() string { return s.rootPath }

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUsed returns the time of the most recent request or notify.
func (s *Server) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Capabilities returns the capabilities advertised at initialize.
// Zero value before the server is Ready.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Start spawns the subprocess and performs the initialize handshake.
//
// Description:
//
//	Transitions Uninitialized -> Starting -> Ready. On any failure the
//	server lands in Stopped with the process reaped. The context bounds
//	the whole startup including the handshake.
//
// Errors:
//
//	ErrServerAlreadyStarted - Start was already called.
//	Other - Binary not found, spawn failure, or handshake failure.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("lsp: nil context")
	}

	s.mu.Lock()
	if s.state != ServerStateUninitialized {
		s.mu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = ServerStateStopped
		s.mu.Unlock()
		return err
	}

	if _, err := exec.LookPath(s.config.Command); err != nil {
		return fail(fmt.Errorf("lsp: %s not installed: %w", s.config.Command, err))
	}

	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Dir = s.rootPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("lsp: stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("lsp: stdout pipe: %w", err))
	}
	// Stderr is the server's own log stream, not protocol traffic.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("lsp: start %s: %w", s.config.Command, err))
	}

	s.logger.Info("language server started", "pid", cmd.Process.Pid, "root", s.rootPath)

	c := newConn(stdout, stdin, s.handleNotification)

	initResult, err := s.initialize(ctx, c)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fail(fmt.Errorf("lsp: initialize handshake: %w", err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.conn = c
	s.caps = initResult.Capabilities
	s.state = ServerStateReady
	s.lastUsed = time.Now()
	s.mu.Unlock()

	// Reap the child when the connection dies for any reason.
	go func() {
		<-c.Done()
		s.mu.Lock()
		if s.state == ServerStateReady {
			s.state = ServerStateStopped
		}
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	return nil
}

// initialize performs the initialize request and initialized notify.
func (s *Server) initialize(ctx context.Context, c *conn) (*InitializeResult, error) {
	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   "file://" + s.rootPath,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization: &SynchronizationCapabilities{},
				Diagnostic:      &DiagnosticCapabilities{},
			},
		},
	}

	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	if err := c.Notify("initialized", struct{}{}); err != nil {
		return nil, err
	}
	return &result, nil
}

// Request sends a request to a Ready server and waits for the response.
func (s *Server) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != ServerStateReady {
		s.mu.Unlock()
		return nil, ErrServerNotRunning
	}
	c := s.conn
	s.lastUsed = time.Now()
	s.mu.Unlock()

	return c.Call(ctx, method, params)
}

// Notify sends a notification to a Ready server.
func (s *Server) Notify(method string, params interface{}) error {
	s.mu.Lock()
	if s.state != ServerStateReady {
		s.mu.Unlock()
		return ErrServerNotRunning
	}
	c := s.conn
	s.lastUsed = time.Now()
	s.mu.Unlock()

	return c.Notify(method, params)
}

// PublishedDiagnostics returns the latest server-pushed diagnostics for
// the given document URI.
func (s *Server) PublishedDiagnostics(uri string) []Diagnostic {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.published[uri]
}

// handleNotification runs on the connection reader goroutine.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	if method != "textDocument/publishDiagnostics" {
		return
	}
	var p PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		s.logger.Warn("bad publishDiagnostics payload", "error", err)
		return
	}
	s.pubMu.Lock()
	s.published[p.URI] = p.Diagnostics
	s.pubMu.Unlock()
}

// Shutdown stops the server, politely if possible.
//
// Description:
//
//	Sends shutdown/exit with a short deadline, then kills the process
//	unconditionally. Idempotent; safe to call on a server that never
//	started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		c := s.conn
		cmd := s.cmd
		prev := s.state
		s.state = ServerStateStopping
		s.mu.Unlock()

		if prev == ServerStateReady && c != nil {
			deadline, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if _, err := c.Call(deadline, "shutdown", nil); err == nil {
				_ = c.Notify("exit", nil)
			}
			cancel()
		}

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			s.logger.Info("language server stopped", "pid", cmd.Process.Pid)
		}

		s.mu.Lock()
		s.state = ServerStateStopped
		s.mu.Unlock()
	})
	return nil
}
