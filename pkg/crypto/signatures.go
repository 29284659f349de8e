package crypto

import (
	"crypto"
	"crypto/rsa"
	_ "crypto/sha1" //nolint:gosec // registers crypto.SHA1; PKCS1v15/SHA-1 is the Tor directory-document signature scheme
	"crypto/x509"
	"fmt"
)

// RSAPublicKeyHandle wraps an RSA public key used to verify directory
// document signatures (authority certificates, consensus signatures).
// Kept distinct from RSAPublicKey above, which is used for the OAEP
// encrypt/decrypt path; directory signatures are PKCS1v15, not OAEP.
type RSAPublicKeyHandle struct {
	Key *rsa.PublicKey
}

// ParseRSAPublicKeyDER parses a DER-encoded RSA public key in either the
// bare PKCS1 RSAPublicKey form (as Tor emits) or a SubjectPublicKeyInfo
// wrapper, accepting whichever one is present.
func ParseRSAPublicKeyDER(der []byte) (*RSAPublicKeyHandle, error) {
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return &RSAPublicKeyHandle{Key: key}, nil
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return &RSAPublicKeyHandle{Key: rsaKey}, nil
}

// VerifyRSASignatureSHA1 verifies a PKCS1v15/SHA-1 signature, the scheme
// used throughout the Tor directory protocol for authority certificates
// and consensus documents (tor-spec.txt / dir-spec.txt).
// #nosec G401 - SHA1 required by the Tor directory document signature format
func VerifyRSASignatureSHA1(key *RSAPublicKeyHandle, digest, signature []byte) error {
	if key == nil || key.Key == nil {
		return fmt.Errorf("nil RSA public key")
	}
	return rsa.VerifyPKCS1v15(key.Key, crypto.SHA1, digest, signature)
}
