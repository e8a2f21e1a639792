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
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrConnClosed is returned for calls made after the connection reader
// has exited.
var ErrConnClosed = errors.New("lsp: connection closed")

// NotificationHandler receives server-initiated notifications. Called
// from the reader goroutine; must not block.
type NotificationHandler func(method string, params json.RawMessage)

// conn is a JSON-RPC 2.0 connection over a byte stream.
//
// Description:
//
//	Owns a reader goroutine that demultiplexes framed messages into
//	per-request reply channels and the notification handler. Request
//	ids are a monotonically increasing counter; an id is never reused
//	within a connection's lifetime. The engine issues one request at a
//	time, but conn tolerates overlap.
//
// Thread Safety:
//
//	Safe for concurrent use.
type conn struct {
	w      io.Writer
	nextID atomic.Int64
	onNote NotificationHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *message
	closed  bool
	readErr error

	done chan struct{}
}

// newConn starts a connection over r/w and begins reading frames.
func newConn(r io.Reader, w io.Writer, onNote NotificationHandler) *conn {
	c := &conn{
		w:       w,
		onNote:  onNote,
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

// readLoop pumps frames until the stream ends, then fails all pending
// calls so no caller hangs on a dead subprocess.
func (c *conn) readLoop(r *bufio.Reader) {
	defer close(c.done)

	for {
		msg, err := readFrame(r)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to one of our requests.
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}

		case msg.Method != "" && msg.ID == nil:
			if c.onNote != nil {
				c.onNote(msg.Method, msg.Params)
			}

		case msg.Method != "" && msg.ID != nil:
			// Server-to-client request. We support none; answer with
			// MethodNotFound so the server does not stall waiting.
			c.respondMethodNotFound(*msg.ID, msg.Method)
		}
	}
}

// Call sends a request and waits for the matching response or context
// cancellation.
//
// Outputs:
//
//	json.RawMessage - The result payload, nil for null results.
//	error - Context error, ErrConnClosed, or the server's error object.
func (c *conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, c.readErr)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(&message{JSONRPC: "2.0", ID: &id, Method: method}, params); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// Notify sends a notification. No response is expected.
func (c *conn) Notify(method string, params interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnClosed, c.readErr)
	}
	c.mu.Unlock()

	return c.send(&message{JSONRPC: "2.0", Method: method}, params)
}

// Done is closed when the reader loop exits.
func (c *conn) Done() <-chan struct{} {
	return c.done
}

func (c *conn) send(msg *message, params interface{}) error {
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("lsp: encode params: %w", err)
		}
		msg.Params = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.w, msg)
}

func (c *conn) respondMethodNotFound(id int64, method string) {
	resp := &message{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &responseError{Code: -32601, Message: "method not found: " + method},
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = writeFrame(c.w, resp)
}
