package directory

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // test fixture uses the same scheme as the format under test
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testCertFixture struct {
	identityPriv *rsa.PrivateKey
	signingPriv  *rsa.PrivateKey
	fingerprint  string
	text         []byte
}

func buildTestCertificate(t *testing.T, published, expires time.Time) *testCertFixture {
	t.Helper()

	identityPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	signingPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	identityDER := x509.MarshalPKCS1PublicKey(&identityPriv.PublicKey)
	signingDER := x509.MarshalPKCS1PublicKey(&signingPriv.PublicKey)
	fpDigest := sha1.Sum(identityDER) //nolint:gosec
	fingerprint := fmt.Sprintf("%X", fpDigest[:])

	identityPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: identityDER}))
	signingPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: signingDER}))

	var b strings.Builder
	b.WriteString("dir-key-certificate-version 3\n")
	b.WriteString("fingerprint " + fingerprint + "\n")
	b.WriteString("dir-key-published " + published.UTC().Format(certDateLayout) + "\n")
	b.WriteString("dir-key-expires " + expires.UTC().Format(certDateLayout) + "\n")
	b.WriteString("dir-identity-key\n")
	b.WriteString(identityPEM)
	b.WriteString("dir-signing-key\n")
	b.WriteString(signingPEM)
	b.WriteString("dir-key-certification\n")

	signedRange := []byte(b.String())
	digest := sha1.Sum(signedRange) //nolint:gosec
	sig, err := rsa.SignPKCS1v15(rand.Reader, identityPriv, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("sign certificate: %v", err)
	}
	sigPEM := pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig})

	full := append(append([]byte{}, signedRange...), sigPEM...)

	return &testCertFixture{
		identityPriv: identityPriv,
		signingPriv:  signingPriv,
		fingerprint:  fingerprint,
		text:         full,
	}
}

func TestParseCertificateValid(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fx := buildTestCertificate(t, now.AddDate(0, -1, 0), now.AddDate(1, 0, 0))

	cert, err := ParseCertificate(fx.text, now)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	wantIdentity, _ := decodeDigest(fx.fingerprint)
	if cert.Identity != wantIdentity {
		t.Errorf("Identity mismatch")
	}
	if !cert.ValidAt(now) {
		t.Error("expected certificate to be valid at now")
	}
}

func TestParseCertificateRejectsExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fx := buildTestCertificate(t, now.AddDate(-2, 0, 0), now.AddDate(-1, 0, 0))

	if _, err := ParseCertificate(fx.text, now); err == nil {
		t.Fatal("expected error for expired certificate")
	}
}

func TestParseCertificateRejectsTamperedSignature(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fx := buildTestCertificate(t, now.AddDate(0, -1, 0), now.AddDate(1, 0, 0))

	tampered := append([]byte{}, fx.text...)
	// Flip a byte inside the signature PEM block's base64 body.
	idx := strings.Index(string(tampered), "-----BEGIN SIGNATURE-----") + len("-----BEGIN SIGNATURE-----\n") + 2
	tampered[idx] ^= 0xFF

	if _, err := ParseCertificate(tampered, now); err == nil {
		t.Fatal("expected error for tampered signature")
	}
}

func TestParseCertificateRejectsMissingSection(t *testing.T) {
	if _, err := ParseCertificate([]byte("fingerprint AAAA\n"), time.Now()); err == nil {
		t.Fatal("expected error for missing required sections")
	}
}
