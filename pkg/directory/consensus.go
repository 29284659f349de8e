package directory

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // SHA-1 is the Tor consensus-document signature digest
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	tcrypto "github.com/opd-ai/torcache/pkg/crypto"
	"github.com/opd-ai/torcache/pkg/errors"
	"github.com/opd-ai/torcache/pkg/logger"
)

const consensusDateLayout = "2006-01-02 15:04:05"

// ParseAndVerifyConsensus implements SPEC_FULL.md §4.C end to end: parse,
// time-check, authority-check, signature-verify, then apply the bounded
// churn-pruning policy. The returned Consensus already has churned relays
// removed.
func ParseAndVerifyConsensus(consensusBytes []byte, churn []Digest, authorities *AuthoritySet, certs []*AuthorityCertificate, now time.Time, log *logger.Logger) (*Consensus, int, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("consensus")

	c, signers, err := parseConsensusDocument(consensusBytes)
	if err != nil {
		return nil, 0, errors.CacheCorruptionErrorWrap("Failed to parse consensus", err)
	}

	if !c.Lifetime.Covers(now) {
		return nil, 0, errors.UntimelyObjectError("consensus")
	}
	if c.Lifetime.ValidAfter.After(c.Lifetime.FreshUntil) || c.Lifetime.FreshUntil.After(c.Lifetime.ValidUntil) {
		return nil, 0, errors.CacheCorruptionError("consensus lifetime is out of order")
	}

	if err := checkSigningAuthorities(signers, authorities); err != nil {
		return nil, 0, err
	}

	if err := verifyConsensusSignatures(c, certs); err != nil {
		return nil, 0, err
	}

	removed, sampled := effectiveChurn(churn, len(c.Relays))
	if sampled {
		log.Warn("churn list exceeded threshold, sampling a bounded subset",
			"churn_size", len(churn), "threshold", churnThreshold(len(c.Relays)))
	}
	churnRemoved := 0
	if len(removed) > 0 {
		kept := c.Relays[:0]
		for _, r := range c.Relays {
			if !removed[r.Identity] {
				kept = append(kept, r)
			} else {
				churnRemoved++
			}
		}
		c.Relays = kept
	}

	return c, churnRemoved, nil
}

// checkSigningAuthorities verifies that every authority referenced in the
// consensus's directory-signature lines is in the trusted set, and that at
// least floor(N/2)+1 of the N trusted authorities signed.
func checkSigningAuthorities(signers []RelaySignature, authorities *AuthoritySet) error {
	quorum := authorities.Len()/2 + 1
	var recognized int
	for _, s := range signers {
		if !authorities.Contains(s.AuthorityIdentity) {
			return errors.UnrecognizedAuthoritiesError(fmt.Sprintf("signer %x is not a trusted authority", s.AuthorityIdentity))
		}
		recognized++
	}
	if recognized < quorum {
		return errors.UnrecognizedAuthoritiesError(fmt.Sprintf("only %d of required %d authority signatures present", recognized, quorum))
	}
	return nil
}

// verifyConsensusSignatures checks that at least one signature verifies
// against a loaded authority certificate's signing key.
func verifyConsensusSignatures(c *Consensus, certs []*AuthorityCertificate) error {
	byKeyDigest := make(map[Digest]*AuthorityCertificate, len(certs))
	for _, cert := range certs {
		byKeyDigest[cert.SigningKeyDigest] = cert
	}

	digest := sha1.Sum(c.SignedRange) //nolint:gosec

	for _, sig := range c.Signatures {
		cert, ok := byKeyDigest[sig.SigningKeyDigest]
		if !ok || cert.Identity != sig.AuthorityIdentity {
			continue
		}
		key, err := tcrypto.ParseRSAPublicKeyDER(cert.SigningKey)
		if err != nil {
			continue
		}
		if err := tcrypto.VerifyRSASignatureSHA1(key, digest[:], sig.Signature); err == nil {
			return nil
		}
	}
	return errors.CacheCorruptionError("Failed to validate consensus signature")
}

// parseConsensusDocument is the low-level line-oriented parser, generalizing
// the "r "/"s " prefix-dispatch loop already used for live-fetched consensus
// parsing to this flat-file's full microdescriptor-consensus grammar
// (valid-after/fresh-until/valid-until, params, bandwidth-weights,
// directory-signature).
func parseConsensusDocument(data []byte) (*Consensus, []RelaySignature, error) {
	c := &Consensus{Raw: data, BandwidthWeights: map[string]int64{}}

	lines := bytes.Split(data, []byte("\n"))
	var relays []*Relay
	var signers []RelaySignature
	var current *Relay
	var sigFooterStart int = -1

	for i := 0; i < len(lines); i++ {
		line := string(lines[i])
		switch {
		case strings.HasPrefix(line, "valid-after "):
			t, err := time.Parse(consensusDateLayout, strings.TrimPrefix(line, "valid-after "))
			if err != nil {
				return nil, nil, fmt.Errorf("bad valid-after: %w", err)
			}
			c.Lifetime.ValidAfter = t.UTC()
		case strings.HasPrefix(line, "fresh-until "):
			t, err := time.Parse(consensusDateLayout, strings.TrimPrefix(line, "fresh-until "))
			if err != nil {
				return nil, nil, fmt.Errorf("bad fresh-until: %w", err)
			}
			c.Lifetime.FreshUntil = t.UTC()
		case strings.HasPrefix(line, "valid-until "):
			t, err := time.Parse(consensusDateLayout, strings.TrimPrefix(line, "valid-until "))
			if err != nil {
				return nil, nil, fmt.Errorf("bad valid-until: %w", err)
			}
			c.Lifetime.ValidUntil = t.UTC()
		case strings.HasPrefix(line, "bandwidth-weights "):
			parseWeightLine(strings.TrimPrefix(line, "bandwidth-weights "), c.BandwidthWeights)
		case strings.HasPrefix(line, "r "):
			if current != nil {
				relays = append(relays, current)
			}
			r, err := parseRelayLine(line)
			if err != nil {
				current = nil
				continue // malformed "r" lines are skipped, not fatal
			}
			current = r
		case strings.HasPrefix(line, "s ") && current != nil:
			current.Flags = strings.Fields(strings.TrimPrefix(line, "s "))
		case strings.HasPrefix(line, "w ") && current != nil:
			parseBandwidthLine(strings.TrimPrefix(line, "w "), current)
		case strings.HasPrefix(line, "m ") && current != nil:
			digest, err := decodeMicrodescDigest(strings.TrimPrefix(line, "m "))
			if err == nil {
				current.MicrodescDigest = digest
			}
		case strings.HasPrefix(line, "directory-signature "):
			if current != nil {
				relays = append(relays, current)
				current = nil
			}
			if sigFooterStart < 0 {
				sigFooterStart = byteOffsetOfLine(lines, i)
			}
			sig, consumed, err := parseSignatureBlock(lines, i)
			if err != nil {
				return nil, nil, err
			}
			signers = append(signers, sig)
			i = consumed
		}
	}
	if current != nil {
		relays = append(relays, current)
	}

	if c.Lifetime.ValidAfter.IsZero() || c.Lifetime.ValidUntil.IsZero() {
		return nil, nil, fmt.Errorf("consensus missing lifetime fields")
	}
	if len(relays) == 0 {
		return nil, nil, fmt.Errorf("consensus contains no relay entries")
	}
	if sigFooterStart < 0 {
		return nil, nil, fmt.Errorf("consensus has no directory-signature section")
	}

	c.Relays = relays
	c.Signatures = signers
	c.SignedRange = data[:sigFooterStart]
	return c, signers, nil
}

func byteOffsetOfLine(lines [][]byte, idx int) int {
	off := 0
	for i := 0; i < idx; i++ {
		off += len(lines[i]) + 1
	}
	return off
}

// parseRelayLine parses an "r " router-status line:
// r nickname identity-b64 digest-b64 published-date published-time ip orport dirport
func parseRelayLine(line string) (*Relay, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, fmt.Errorf("short r line")
	}
	identity, err := decodeUnpaddedBase64(fields[2])
	if err != nil || len(identity) != DigestSize {
		return nil, fmt.Errorf("bad identity in r line")
	}
	published, err := time.Parse(consensusDateLayout, fields[4]+" "+fields[5])
	if err != nil {
		published = time.Time{}
	}
	orport, _ := strconv.Atoi(fields[7])
	dirport, _ := strconv.Atoi(fields[8])

	r := &Relay{Nickname: fields[1], Published: published, Address: fields[6], ORPort: orport, DirPort: dirport}
	copy(r.Identity[:], identity)
	return r, nil
}

func parseBandwidthLine(rest string, r *Relay) {
	for _, kv := range strings.Fields(rest) {
		if strings.HasPrefix(kv, "Bandwidth=") {
			v, err := strconv.ParseInt(strings.TrimPrefix(kv, "Bandwidth="), 10, 64)
			if err == nil {
				r.Bandwidth = v
			}
		}
	}
}

func parseWeightLine(rest string, weights map[string]int64) {
	for _, kv := range strings.Fields(rest) {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v, err := strconv.ParseInt(parts[1], 10, 64)
		if err == nil {
			weights[parts[0]] = v
		}
	}
}

func decodeMicrodescDigest(b64 string) (MicrodescDigest, error) {
	var d MicrodescDigest
	raw, err := decodeUnpaddedBase64(b64)
	if err != nil || len(raw) != MicrodescDigestSize {
		return d, fmt.Errorf("bad microdescriptor digest")
	}
	copy(d[:], raw)
	return d, nil
}

// parseSignatureBlock parses one "directory-signature [algorithm]
// identity-digest-hex signing-key-digest-hex" line followed by its
// "-----BEGIN SIGNATURE-----"/"-----END SIGNATURE-----" PEM-like block.
// Returns the index of the last line consumed.
func parseSignatureBlock(lines [][]byte, start int) (RelaySignature, int, error) {
	fields := strings.Fields(string(lines[start]))
	var algo, identHex, keyHex string
	switch len(fields) {
	case 3: // directory-signature identity-hex signing-key-hex
		algo, identHex, keyHex = "sha1", fields[1], fields[2]
	case 4: // directory-signature algorithm identity-hex signing-key-hex
		algo, identHex, keyHex = fields[1], fields[2], fields[3]
	default:
		return RelaySignature{}, start, fmt.Errorf("malformed directory-signature line")
	}

	identity, err := decodeDigest(identHex)
	if err != nil {
		return RelaySignature{}, start, fmt.Errorf("bad signer identity: %w", err)
	}
	keyDigest, err := decodeDigest(keyHex)
	if err != nil {
		return RelaySignature{}, start, fmt.Errorf("bad signing key digest: %w", err)
	}

	i := start + 1
	for i < len(lines) && !bytes.HasPrefix(lines[i], []byte("-----BEGIN")) {
		i++
	}
	if i >= len(lines) {
		return RelaySignature{}, start, fmt.Errorf("missing signature block")
	}
	blockStart := i
	for i < len(lines) && !bytes.HasPrefix(lines[i], []byte("-----END")) {
		i++
	}
	if i >= len(lines) {
		return RelaySignature{}, start, fmt.Errorf("unterminated signature block")
	}
	b64 := bytes.Join(lines[blockStart+1:i], nil)
	sig, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return RelaySignature{}, start, fmt.Errorf("bad signature base64: %w", err)
	}

	return RelaySignature{
		AuthorityIdentity: identity,
		SigningKeyDigest:  keyDigest,
		Algorithm:         algo,
		Signature:         sig,
	}, i, nil
}
