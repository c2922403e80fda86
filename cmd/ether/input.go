// Copyright (C) 2025 Laorent
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// =============================================================================
// InputReader
// =============================================================================

// InputReader abstracts user input reading for testability.
//
// # Description
//
// InputReader enables mocking of stdin in unit tests. The production
// implementation wraps bufio.Reader; the test implementation returns
// predetermined inputs.
//
// ReadLine returns the line read (trimmed) and any error, io.EOF when
// input is exhausted.
//
// # Limitations
//
//   - Does not support multi-line input
//   - No line editing support (no readline/linenoise)
type InputReader interface {
	ReadLine() (string, error)
}

// StdinReader implements InputReader over os.Stdin.
//
// Not thread-safe; single reader per stdin. Blocking reads cannot be
// interrupted (stdin blocking is OS-level).
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a StdinReader wrapping os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{
		reader: bufio.NewReader(os.Stdin),
	}
}

// ReadLine reads a single line from stdin, trimmed of surrounding
// whitespace. Returns io.EOF when stdin is closed.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// =============================================================================
// MockInputReader (for testing)
// =============================================================================

// MockInputReader returns predetermined inputs for unit testing the
// chat loop without actual user input. Returns io.EOF once all inputs
// are consumed. Not thread-safe; designed for single-threaded tests.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a MockInputReader with the given inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next predetermined input, then io.EOF.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// isExitCommand reports whether the input ends the chat loop.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}
