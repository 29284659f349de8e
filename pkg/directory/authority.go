package directory

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opd-ai/torcache/pkg/errors"
)

// authorityFileEntry is the JSON shape of a single entry in authority.json.
// The file may be a JSON array of these, or a JSON object keyed by nickname
// with the identity as the value (both forms are accepted, matching the two
// shapes seen in the original implementation's fixtures).
type authorityFileEntry struct {
	Nickname string `json:"nickname"`
	Identity string `json:"identity"`
}

// LoadAuthorities reads the trusted authority set from a JSON file (see
// SPEC_FULL.md §6, authority.json). There is no hard-coded fallback: a
// missing or malformed file is always a ConfigError (Open Question 2).
func LoadAuthorities(path string) (*AuthoritySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigError("authority file is absent: "+path, err)
		}
		return nil, errors.ConfigError("failed to read authority file", err)
	}

	entries, err := parseAuthorityJSON(data)
	if err != nil {
		return nil, errors.ConfigError("authority file is malformed", err)
	}

	set := &AuthoritySet{byIdentity: make(map[Digest]Authority, len(entries))}
	for _, e := range entries {
		id, err := decodeDigest(e.Identity)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("authority %q has malformed identity", e.Nickname), err)
		}
		set.byIdentity[id] = Authority{Nickname: e.Nickname, Identity: id}
	}

	if len(set.byIdentity) == 0 {
		return nil, errors.ConfigError("authority file contains no authorities", nil)
	}

	return set, nil
}

// parseAuthorityJSON accepts either a top-level array of entries, or an
// object mapping nickname -> hex identity.
func parseAuthorityJSON(data []byte) ([]authorityFileEntry, error) {
	var asArray []authorityFileEntry
	if err := json.Unmarshal(data, &asArray); err == nil {
		return asArray, nil
	}

	var asObject map[string]string
	if err := json.Unmarshal(data, &asObject); err != nil {
		return nil, fmt.Errorf("not a recognized authority.json shape: %w", err)
	}
	entries := make([]authorityFileEntry, 0, len(asObject))
	for nick, ident := range asObject {
		entries = append(entries, authorityFileEntry{Nickname: nick, Identity: ident})
	}
	return entries, nil
}

// decodeDigest hex-decodes a v3 identity fingerprint, tolerating an
// optional "$" prefix and internal spaces (common in Tor tooling output).
func decodeDigest(s string) (Digest, error) {
	var d Digest
	clean := stripDigestDecoration(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return d, fmt.Errorf("invalid hex identity %q: %w", s, err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("identity %q is %d bytes, want %d", s, len(raw), DigestSize)
	}
	copy(d[:], raw)
	return d, nil
}

func stripDigestDecoration(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '$' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
