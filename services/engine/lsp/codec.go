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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxFrameSize caps a single message at 16MB. A server emitting more
// than that is misbehaving and gets restarted rather than ballooning
// memory.
const maxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a Content-Length header exceeds
// maxFrameSize.
var ErrFrameTooLarge = errors.New("lsp: frame exceeds size limit")

// ErrMalformedFrame is returned when header parsing fails.
var ErrMalformedFrame = errors.New("lsp: malformed frame header")

// message is a JSON-RPC 2.0 envelope. A request has ID and Method set;
// a response has ID and one of Result/Error; a notification has Method
// but no ID.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

// responseError is the JSON-RPC error object.
type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *responseError) Error() string {
	return fmt.Sprintf("lsp: server error %d: %s", e.Code, e.Message)
}

// writeFrame encodes a message with LSP base-protocol framing:
// "Content-Length: N\r\n\r\n" followed by the JSON body.
func writeFrame(w io.Writer, msg *message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("lsp: encode message: %w", err)
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("lsp: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("lsp: write body: %w", err)
	}
	return nil
}

// readFrame decodes one framed message from the reader.
//
// Description:
//
//	Reads header lines until the blank separator, requires a
//	Content-Length header, and reads exactly that many body bytes.
//	Unknown headers (Content-Type) are tolerated and ignored.
func readFrame(r *bufio.Reader) (*message, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedFrame, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad content length %q", ErrMalformedFrame, value)
			}
			length = n
		}
	}

	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrMalformedFrame)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("lsp: decode message: %w", err)
	}
	return &msg, nil
}
