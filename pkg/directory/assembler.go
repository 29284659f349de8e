package directory

import (
	"time"

	"github.com/opd-ai/torcache/pkg/errors"
	"github.com/opd-ai/torcache/pkg/logger"
)

// AssembleInput is everything §4.A–D produce on their own, ready to be
// joined into a NetworkDirectory by Assemble (§4.E).
type AssembleInput struct {
	Authorities    *AuthoritySet
	Certificates   []*AuthorityCertificate
	ConsensusBytes []byte
	ChurnBytes     []byte
	MicrodescBytes []byte
}

// Assemble runs the full §4.A–E pipeline: verify the consensus against the
// trusted authorities and certificates, prune churned relays, parse the
// microdescriptors, and attach each relay's keys and exit policy from its
// matching microdescriptor. Relays whose microdescriptor is missing,
// unparseable, or digest-mismatched are dropped rather than kept half
// populated; microdescriptors the consensus never references are discarded
// too, since nothing in this design consults them on their own.
func Assemble(in AssembleInput, now time.Time, log *logger.Logger) (*NetworkDirectory, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("assembler")

	churn, err := ParseChurn(in.ChurnBytes)
	if err != nil {
		return nil, err
	}

	consensus, churnRemoved, err := ParseAndVerifyConsensus(in.ConsensusBytes, churn, in.Authorities, in.Certificates, now, log)
	if err != nil {
		return nil, err
	}

	microdescs, err := ParseMicrodescriptors(in.MicrodescBytes)
	if err != nil {
		return nil, err
	}
	byDigest := make(map[MicrodescDigest]*Microdescriptor, len(microdescs))
	for _, md := range microdescs {
		byDigest[md.Digest] = md
	}

	relays := make([]*Relay, 0, len(consensus.Relays))
	var missing int
	for _, r := range consensus.Relays {
		md, ok := byDigest[r.MicrodescDigest]
		if !ok {
			missing++
			continue
		}
		r.NtorOnionKey = md.NtorOnionKey
		r.ExitPolicy = md.ExitPolicy
		relays = append(relays, r)
	}
	if missing > 0 {
		log.Warn("dropped relays with no matching microdescriptor", "count", missing)
	}

	dir := &NetworkDirectory{
		Lifetime:         consensus.Lifetime,
		Relays:           relays,
		BandwidthWeights: consensus.BandwidthWeights,
		ChurnRemoved:     churnRemoved,
	}

	if !dir.Sufficient() {
		return nil, errors.DirectoryNotPresentError()
	}

	log.Info("assembled network directory",
		"relays", len(dir.Relays), "churn_removed", dir.ChurnRemoved, "microdescs_unmatched", missing)

	return dir, nil
}
