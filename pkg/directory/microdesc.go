package directory

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/opd-ai/torcache/pkg/errors"
)

// microdescEntryMarker begins every microdescriptor entry in the
// concatenated microdescriptors.txt file.
const microdescEntryMarker = "onion-key"

// ParseMicrodescriptors streams microdescriptors.txt and returns every
// successfully parsed entry, keyed by the SHA-256 digest of its own bytes.
// Annotation lines (starting with "@") are not permitted anywhere in this
// file and cause the whole load to fail; a malformed individual entry is
// silently skipped rather than failing the whole file, matching upstream
// behavior (SPEC_FULL.md §4.D) — callers must still end up with at least
// one relay-matching entry, or assembly will report an insufficient
// directory.
func ParseMicrodescriptors(data []byte) ([]*Microdescriptor, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("@")) || bytes.Contains(data, []byte("\n@")) {
		return nil, errors.CacheCorruptionError("microdescriptors file contains annotation lines")
	}

	entries := splitMicrodescEntries(data)
	out := make([]*Microdescriptor, 0, len(entries))
	for _, raw := range entries {
		md, ok := parseOneMicrodescriptor(raw)
		if ok {
			out = append(out, md)
		}
	}
	return out, nil
}

// splitMicrodescEntries splits the concatenated file on "onion-key" line
// boundaries, keeping the marker as part of each chunk.
func splitMicrodescEntries(data []byte) [][]byte {
	var entries [][]byte
	lines := bytes.Split(data, []byte("\n"))
	var current []byte
	for _, line := range lines {
		if string(line) == microdescEntryMarker {
			if len(current) > 0 {
				entries = append(entries, current)
			}
			current = append([]byte{}, line...)
			continue
		}
		if current == nil {
			continue // bytes before the first onion-key marker are not an entry
		}
		current = append(current, '\n')
		current = append(current, line...)
	}
	if len(current) > 0 {
		entries = append(entries, current)
	}
	return entries
}

// parseOneMicrodescriptor parses a single "onion-key ... " entry. Returning
// ok=false means the entry was malformed and should be silently skipped.
func parseOneMicrodescriptor(raw []byte) (*Microdescriptor, bool) {
	digest := sha256.Sum256(raw)
	md := &Microdescriptor{Digest: digest, Raw: raw}

	lines := strings.Split(string(raw), "\n")
	var inOnionKey bool
	var onionKeyPEM strings.Builder
	for _, line := range lines {
		switch {
		case line == "onion-key":
			inOnionKey = true
			continue
		case inOnionKey && strings.HasPrefix(line, "-----END"):
			onionKeyPEM.WriteString(line + "\n")
			inOnionKey = false
			continue
		case inOnionKey:
			onionKeyPEM.WriteString(line + "\n")
			continue
		case strings.HasPrefix(line, "ntor-onion-key "):
			key, err := decodeUnpaddedBase64(strings.TrimPrefix(line, "ntor-onion-key "))
			if err != nil || len(key) != 32 {
				return nil, false
			}
			md.NtorOnionKey = key
		case strings.HasPrefix(line, "family "):
			md.Family = strings.Fields(strings.TrimPrefix(line, "family "))
		case strings.HasPrefix(line, "p "):
			md.ExitPolicy = strings.TrimPrefix(line, "p ")
		}
	}
	md.OnionKey = []byte(onionKeyPEM.String())

	if md.NtorOnionKey == nil {
		// A microdescriptor with no usable ntor key can't be used to build
		// a circuit hop; treat it as malformed rather than keep a
		// half-populated entry around.
		return nil, false
	}
	return md, true
}

// decodeUnpaddedBase64 decodes the unpadded, standard-alphabet base64
// Tor uses for key material embedded in consensus/microdescriptor lines.
func decodeUnpaddedBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(s)
}
