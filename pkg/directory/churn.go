package directory

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"math/big"

	"github.com/opd-ai/torcache/pkg/errors"
)

// ParseChurn decodes a churn delta: a newline-separated list of hex-encoded
// 20-byte relay identities that have left the network since the consensus
// was signed. Blank lines are ignored; duplicates are tolerated (callers
// treat the result as a set). A missing churn file is represented by the
// caller passing nil/empty bytes, which yields an empty, non-error result
// (SPEC_FULL.md §4.B) — but per §6 the file itself must still exist on
// disk, even if empty; that existence check happens in cacheclient, not
// here.
func ParseChurn(text []byte) ([]Digest, error) {
	var out []Digest
	scanner := bufio.NewScanner(bytes.NewReader(text))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		d, err := decodeDigest(string(line))
		if err != nil {
			return nil, errors.CacheCorruptionErrorWrap("invalid RSA identity", err)
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.CacheCorruptionErrorWrap("failed to read churn list", err)
	}
	return out, nil
}

// churnThreshold computes T = floor(relays/6), the bounded-pruning cap from
// SPEC_FULL.md §4.C (Open Question 1 decides to compute T directly rather
// than via the original's two-step subtraction; the result is identical).
func churnThreshold(relayCount int) int {
	return relayCount / 6
}

// effectiveChurn applies the churn pruning policy: remove all churned
// relays when the churn list is within the threshold, otherwise uniformly
// sample T of them without replacement (logging is the caller's
// responsibility so the warning can carry context).
func effectiveChurn(churn []Digest, relayCount int) (removed map[Digest]bool, sampled bool) {
	t := churnThreshold(relayCount)
	removed = make(map[Digest]bool, len(churn))

	if len(churn) <= t {
		for _, d := range churn {
			removed[d] = true
		}
		return removed, false
	}

	chosen := sampleWithoutReplacement(churn, t)
	for _, d := range chosen {
		removed[d] = true
	}
	return removed, true
}

// sampleWithoutReplacement uniformly picks n distinct elements from items
// using a cryptographically-seeded random source. It need not be
// reproducible (SPEC_FULL.md §4.C).
func sampleWithoutReplacement(items []Digest, n int) []Digest {
	if n >= len(items) {
		out := make([]Digest, len(items))
		copy(out, items)
		return out
	}
	if n <= 0 {
		return nil
	}

	pool := make([]Digest, len(items))
	copy(pool, items)

	out := make([]Digest, 0, n)
	for i := 0; i < n; i++ {
		remaining := len(pool) - i
		j := i + cryptoRandIntn(remaining)
		pool[i], pool[j] = pool[j], pool[i]
		out = append(out, pool[i])
	}
	return out
}

// cryptoRandIntn returns a uniform random int in [0, n) sourced from
// crypto/rand, avoiding modulo bias.
func cryptoRandIntn(n int) int {
	if n <= 1 {
		return 0
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		// crypto/rand failure is not something callers should need to
		// plumb through a sampling helper; falling back to the first
		// element keeps the pruning bounded and safe, merely less random.
		return 0
	}
	return int(v.Int64())
}
