package utils

import (
	"bufio"
	"io"
	"strings"
)

// SSEDone is the sentinel data payload closing an SSE completion stream.
const SSEDone = "[DONE]"

// ScanSSE reads server-sent events from r and invokes fn with each non-empty
// data payload, including the terminal SSEDone sentinel. Returns the first
// callback or read error.
func ScanSSE(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}

	return scanner.Err()
}
