// Package crypto implements the asymmetric and symmetric primitives used by
// the session handshake: RSA-OAEP key wrap for the handshake itself,
// AES-256-GCM for payload confidentiality and integrity, and RSA-PSS for
// coordinator signatures.
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// GenerateKeyPair creates a fresh RSA key of the given size in bits, used
// for the worker/coordinator handshake.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generating key pair: %w", err)
	}
	return key, nil
}

// EncodePublicKeyPEM renders a public key as a base64-encoded PKCS1 PEM
// block, the wire form exchanged during the hello/accept handshake.
func EncodePublicKeyPEM(pub *rsa.PublicKey) string {
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(pub)}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(block))
}

// DecodePublicKeyPEM is the inverse of EncodePublicKeyPEM.
func DecodePublicKeyPEM(encoded string) (*rsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block in public key")
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing public key: %w", err)
	}
	return pub, nil
}

// WrapSessionKey encrypts a 256-bit symmetric session key for transport to
// the holder of pub, using OAEP/SHA-256 padding.
func WrapSessionKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrapping session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapSessionKey recovers a session key wrapped by WrapSessionKey.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrapping session key: %w", err)
	}
	return key, nil
}

// NewSessionKey returns a fresh 256-bit AES key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generating session key: %w", err)
	}
	return key, nil
}

// Seal authenticates and encrypts plaintext under key, returning
// nonce||ciphertext||tag. The AEAD nonce is distinct from the application's
// anti-replay nonce carried inside the plaintext envelope.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating AEAD nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, additionalData)
	return append(nonce, sealed...), nil
}

// Open reverses Seal, rejecting any ciphertext that was tampered with or
// produced under a different key or additionalData.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("crypto: authentication failed: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing GCM: %w", err)
	}
	return aead, nil
}

// Sign produces an RSA-PSS/SHA-256 signature over msg, used by the
// coordinator to sign arbitrary payloads workers may later verify.
func Sign(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign.
func Verify(pub *rsa.PublicKey, msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return fmt.Errorf("crypto: signature verification failed: %w", err)
	}
	return nil
}
