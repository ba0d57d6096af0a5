package utils

import (
	"io"
	"strings"
)

// DrainAndClose drains and closes rc so the transport can reuse the connection.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

// Snippet reads at most limit bytes of rc for use in error messages.
func Snippet(rc io.Reader, limit int64) string {
	if rc == nil || limit <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(rc, limit))
	return strings.TrimSpace(string(b))
}
