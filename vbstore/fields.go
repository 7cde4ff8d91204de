package vbstore

import (
	"bytes"
	"strings"
)

// JoinPath joins dir and node the way every store operation names its
// target. An empty node names dir itself.
func JoinPath(dir, node string) string {
	if node == "" {
		return dir
	}

	if dir == "" {
		return node
	}

	return strings.TrimSuffix(dir, "/") + "/" + node
}

// Fields encodes each field followed by a NUL byte.
func Fields(fields ...string) []byte {
	var b bytes.Buffer

	for _, f := range fields {
		b.WriteString(f)
		b.WriteByte(0)
	}

	return b.Bytes()
}

// SplitFields decodes a NUL-terminated field list. A trailing unterminated
// field is returned as well.
func SplitFields(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}

	parts := strings.Split(string(payload), "\x00")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}

	return parts
}

// SplitPathValue splits a write payload "path\0value" into its parts.
func SplitPathValue(payload []byte) (string, []byte, bool) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return "", nil, false
	}

	return string(payload[:i]), payload[i+1:], true
}

func trimNul(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}
