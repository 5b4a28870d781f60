// Package sseutil provides SSE line reading and canonical chunk building
// shared by the adapter families.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner sized for SSE lines. Each Scan yields
// one line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits a single SSE line into its event name or data payload.
// ok is false for blank lines, comments, and anything else that carries
// neither.
//
//	"event: <name>"   -> event=name, ok=true
//	"data: <payload>" -> data=payload, ok=true
//	": comment"       -> ok=false
//	""                -> ok=false
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
