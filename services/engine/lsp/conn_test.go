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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks framed JSON-RPC over in-memory pipes and lets a
// test script the responses.
type fakeServer struct {
	clientIn  *io.PipeWriter // server writes -> client reads
	clientOut *io.PipeReader // client writes -> server reads
	reader    *bufio.Reader
	writeMu   sync.Mutex
}

func newFakePair() (*conn, *fakeServer, func()) {
	srvToCli, cliIn := io.Pipe()
	cliToSrv, srvIn := io.Pipe()

	fs := &fakeServer{
		clientIn:  cliIn,
		clientOut: cliToSrv,
		reader:    bufio.NewReader(cliToSrv),
	}

	c := newConn(srvToCli, srvIn, nil)

	cleanup := func() {
		cliIn.Close()
		srvIn.Close()
	}
	return c, fs, cleanup
}

func (f *fakeServer) read(t *testing.T) *message {
	t.Helper()
	msg, err := readFrame(f.reader)
	if err != nil {
		t.Fatalf("fake server read: %v", err)
	}
	return msg
}

func (f *fakeServer) write(t *testing.T, msg *message) {
	t.Helper()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := writeFrame(f.clientIn, msg); err != nil {
		t.Fatalf("fake server write: %v", err)
	}
}

func TestConnCallCorrelatesByID(t *testing.T) {
	c, fs, cleanup := newFakePair()
	defer cleanup()

	go func() {
		req := fs.read(t)
		fs.write(t, &message{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"ok":true}`),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := c.Call(ctx, "test/echo", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestConnIDsMonotonic(t *testing.T) {
	c, fs, cleanup := newFakePair()
	defer cleanup()

	ids := make(chan int64, 3)
	go func() {
		for i := 0; i < 3; i++ {
			req := fs.read(t)
			ids <- *req.ID
			fs.write(t, &message{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var seen []int64
	for i := 0; i < 3; i++ {
		if _, err := c.Call(ctx, "m", nil); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		seen = append(seen, <-ids)
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("ids not increasing: %v", seen)
		}
	}
}

func TestConnInterleavedNotification(t *testing.T) {
	var mu sync.Mutex
	var notes []string

	srvToCli, cliIn := io.Pipe()
	cliToSrv, srvIn := io.Pipe()
	fs := &fakeServer{clientIn: cliIn, reader: bufio.NewReader(cliToSrv)}

	c := newConn(srvToCli, srvIn, func(method string, params json.RawMessage) {
		mu.Lock()
		notes = append(notes, method)
		mu.Unlock()
	})
	defer cliIn.Close()
	defer srvIn.Close()

	go func() {
		req := fs.read(t)
		// Server pushes a notification before answering the request.
		fs.write(t, &message{
			JSONRPC: "2.0",
			Method:  "textDocument/publishDiagnostics",
			Params:  json.RawMessage(`{"uri":"file:///x.go","diagnostics":[]}`),
		})
		fs.write(t, &message{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"kind":"full","items":[]}`)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Call(ctx, "textDocument/diagnostic", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notes) != 1 || notes[0] != "textDocument/publishDiagnostics" {
		t.Errorf("notifications = %v", notes)
	}
}

func TestConnCallTimeout(t *testing.T) {
	c, _, cleanup := newFakePair()
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "never/answered", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestConnClosedFailsPending(t *testing.T) {
	c, fs, cleanup := newFakePair()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.Call(ctx, "m", nil)
		done <- err
	}()

	// Wait for the request to land, then slam the stream shut.
	fs.read(t)
	cleanup()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnClosed) {
			t.Errorf("err = %v, want ErrConnClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released on close")
	}

	// Subsequent calls fail fast.
	if _, err := c.Call(context.Background(), "m", nil); !errors.Is(err, ErrConnClosed) {
		t.Errorf("post-close Call = %v, want ErrConnClosed", err)
	}
}

func TestConnServerError(t *testing.T) {
	c, fs, cleanup := newFakePair()
	defer cleanup()

	go func() {
		req := fs.read(t)
		fs.write(t, &message{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &responseError{Code: -32601, Message: "method not found"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "nope", nil)
	if err == nil || err.Error() != "lsp: server error -32601: method not found" {
		t.Errorf("err = %v", err)
	}
}
