package directory

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func buildNtorMicrodesc(marker byte) (text []byte, digest MicrodescDigest) {
	ntor := make([]byte, 32)
	ntor[0] = marker
	ntorB64 := strings.TrimRight(base64.StdEncoding.EncodeToString(ntor), "=")

	var b strings.Builder
	b.WriteString("onion-key\n")
	b.WriteString(sampleOnionKeyPEM())
	b.WriteString("ntor-onion-key " + ntorB64 + "\n")
	b.WriteString("p accept 80,443\n")
	raw := []byte(b.String())
	return raw, sha256.Sum256(raw)
}

func TestAssembleJoinsMicrodescriptorsAndPrunesUnmatched(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fx := buildTestCertificate(t, now.AddDate(0, -1, 0), now.AddDate(1, 0, 0))
	cert, err := ParseCertificate(fx.text, now)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	authorities := &AuthoritySet{byIdentity: map[Digest]Authority{cert.Identity: {Identity: cert.Identity}}}

	var relays []testRelaySpec
	var microdescBytes strings.Builder
	for i := 0; i < 3; i++ {
		mdText, mdDigest := buildNtorMicrodesc(byte(i + 1))
		microdescBytes.Write(mdText)

		spec := singleRelaySpec(byte(i + 1))
		spec.nickname = "relay" + string(rune('A'+i))
		spec.mdigest = mdDigest
		relays = append(relays, spec)
	}

	// One extra relay references a microdescriptor digest nothing provides;
	// it must be dropped rather than kept half populated.
	missing := singleRelaySpec(99)
	missing.nickname = "ghost"
	relays = append(relays, missing)

	body := buildConsensusBody(defaultLifetime(now), relays)
	doc := signConsensus(t, body, fx)

	dir, err := Assemble(AssembleInput{
		Authorities:    authorities,
		Certificates:   []*AuthorityCertificate{cert},
		ConsensusBytes: doc,
		ChurnBytes:     nil,
		MicrodescBytes: []byte(microdescBytes.String()),
	}, now, nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if len(dir.Relays) != 3 {
		t.Fatalf("got %d relays, want 3 (ghost relay should be dropped)", len(dir.Relays))
	}
	for _, r := range dir.Relays {
		if !r.HasNtorKey() {
			t.Errorf("relay %s missing ntor key after assembly", r.Nickname)
		}
		if r.ExitPolicy != "accept 80,443" {
			t.Errorf("relay %s ExitPolicy = %q", r.Nickname, r.ExitPolicy)
		}
	}
	if !dir.Sufficient() {
		t.Error("expected assembled directory to be sufficient")
	}
}

func TestAssembleInsufficientDirectoryErrors(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fx := buildTestCertificate(t, now.AddDate(0, -1, 0), now.AddDate(1, 0, 0))
	cert, err := ParseCertificate(fx.text, now)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	authorities := &AuthoritySet{byIdentity: map[Digest]Authority{cert.Identity: {Identity: cert.Identity}}}

	mdText, mdDigest := buildNtorMicrodesc(1)
	spec := singleRelaySpec(1)
	spec.mdigest = mdDigest

	body := buildConsensusBody(defaultLifetime(now), []testRelaySpec{spec})
	doc := signConsensus(t, body, fx)

	_, err = Assemble(AssembleInput{
		Authorities:    authorities,
		Certificates:   []*AuthorityCertificate{cert},
		ConsensusBytes: doc,
		MicrodescBytes: mdText,
	}, now, nil)
	if err == nil {
		t.Fatal("expected error: only one usable relay, directory is insufficient")
	}
}
