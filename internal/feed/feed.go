// Package feed reads raw telemetry payloads from a byte stream. Payloads
// arrive as text blocks separated by blank lines; nothing beyond that
// framing is assumed; decoding is the classifier's job.
package feed

import (
	"bufio"
	"io"
	"strings"
)

// Scanner reads a payload stream and emits one payload string per block.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner creates a Scanner that reads from r.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{scanner: s}
}

// Next reads the next payload block from the stream.
// Returns the payload and true, or an empty string and false at EOF.
func (s *Scanner) Next() (string, bool) {
	var lines []string

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		// Blank line marks end of a payload block
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), true
			}
			continue
		}
		lines = append(lines, line)
	}

	// EOF, return any pending payload
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), true
	}
	return "", false
}

// Err returns any scanner error other than EOF.
func (s *Scanner) Err() error {
	return s.scanner.Err()
}

// ReadAll reads all payloads from the stream and returns them.
func (s *Scanner) ReadAll() []string {
	var payloads []string
	for {
		p, ok := s.Next()
		if !ok {
			break
		}
		payloads = append(payloads, p)
	}
	return payloads
}
