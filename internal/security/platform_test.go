package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRoundTrip(t *testing.T) {
	p, err := LoadOrCreatePlatform(t.TempDir())
	require.NoError(t, err)

	cred := p.SignCredential("pi-01")
	id, err := p.VerifyCredential(cred)
	require.NoError(t, err)
	assert.Equal(t, "pi-01", id)
}

func TestCredentialRejectedAcrossPlatforms(t *testing.T) {
	p1, err := LoadOrCreatePlatform(t.TempDir())
	require.NoError(t, err)
	p2, err := LoadOrCreatePlatform(t.TempDir())
	require.NoError(t, err)

	cred := p1.SignCredential("pi-01")
	_, err = p2.VerifyCredential(cred)
	assert.Error(t, err)
}

func TestVerifyCredentialMalformed(t *testing.T) {
	p, err := LoadOrCreatePlatform(t.TempDir())
	require.NoError(t, err)

	for _, cred := range []string{"", "v2.pi-01.abcd", "v1.", "v1.pi-01", "v1.pi-01.zzzz"} {
		_, err := p.VerifyCredential(cred)
		assert.Error(t, err, "credential %q", cred)
	}
}

func TestPlatformKeyPersists(t *testing.T) {
	dir := t.TempDir()

	p1, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)
	p2, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)

	assert.Equal(t, p1.Fingerprint(), p2.Fingerprint())

	// Credentials issued before a restart still verify.
	cred := p1.SignCredential("pi-02")
	id, err := p2.VerifyCredential(cred)
	require.NoError(t, err)
	assert.Equal(t, "pi-02", id)
}
