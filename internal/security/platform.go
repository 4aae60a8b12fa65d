package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Platform holds the server's Ed25519 identity keypair and a derived
// symmetric key used for HMAC-SHA-512 credential signing.
type Platform struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	credKey    []byte // HKDF-derived key for HMAC credential signing
}

// Fingerprint returns the SHA-256 hex fingerprint of the platform public key.
// This uniquely identifies the deployment instance.
func (p *Platform) Fingerprint() string {
	h := sha256.Sum256(p.PublicKey)
	return hex.EncodeToString(h[:])
}

// SignCredential produces a versioned device credential:
//
//	v1.<deviceID>.<hmac_sha512_hex>
//
// The v1 prefix allows future upgrades of the credential format without
// invalidating deployed devices.
func (p *Platform) SignCredential(deviceID string) string {
	mac := hmacSHA512(p.credKey, []byte("device-credential:"+deviceID))
	return fmt.Sprintf("v1.%s.%s", deviceID, hex.EncodeToString(mac))
}

// VerifyCredential checks a v1-format credential string.
// Returns the embedded device ID on success, or an error.
func (p *Platform) VerifyCredential(credential string) (string, error) {
	if !strings.HasPrefix(credential, "v1.") {
		return "", fmt.Errorf("unsupported credential version")
	}

	rest := credential[3:]
	lastDot := strings.LastIndexByte(rest, '.')
	if lastDot <= 0 {
		return "", fmt.Errorf("malformed credential")
	}

	deviceID := rest[:lastDot]
	macHex := rest[lastDot+1:]

	providedMAC, err := hex.DecodeString(macHex)
	if err != nil {
		return "", fmt.Errorf("malformed credential MAC")
	}

	expectedMAC := hmacSHA512(p.credKey, []byte("device-credential:"+deviceID))
	if !hmacEqual(providedMAC, expectedMAC) {
		return "", fmt.Errorf("invalid credential")
	}

	return deviceID, nil
}

// CredentialHash returns the SHA-256 hash of a credential string,
// used for database lookups without storing the raw credential.
func CredentialHash(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(h[:])
}

// LoadOrCreatePlatform loads the platform keypair from dataDir or generates one.
func LoadOrCreatePlatform(dataDir string) (*Platform, error) {
	keyPath := filepath.Join(dataDir, "platform.key")
	if fileExists(keyPath) {
		return loadPlatformKey(keyPath)
	}
	return generatePlatformKey(keyPath)
}

func loadPlatformKey(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid platform key file")
	}

	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid platform key size")
	}

	priv := ed25519.NewKeyFromSeed(block.Bytes)
	return newPlatform(priv), nil
}

func generatePlatformKey(path string) (*Platform, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	seed := priv.Seed()
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: seed}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	if err := pem.Encode(f, block); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	_ = f.Close()

	return newPlatform(priv), nil
}

func newPlatform(priv ed25519.PrivateKey) *Platform {
	// Derive a separate symmetric key for HMAC credential signing.
	credKey := make([]byte, 64)
	r := hkdf.New(sha512.New, priv.Seed(), []byte("signage-credential-v1"), []byte("device-authentication"))
	io.ReadFull(r, credKey) //nolint:errcheck

	return &Platform{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
		credKey:    credKey,
	}
}
