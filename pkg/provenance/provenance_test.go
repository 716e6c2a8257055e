package provenance_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/lore-anchor/anchor/pkg/imaging"
	"github.com/lore-anchor/anchor/pkg/provenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManifest_DeniesAllTrainingUses(t *testing.T) {
	m := provenance.NewManifest("img-1", "deadbeef", []byte("pixels"))

	assert.Equal(t, "lore-anchor/1.0", m.ClaimGenerator)
	assert.Equal(t, "Protected by Lore Anchor", m.Title)
	assert.True(t, strings.HasPrefix(m.ContentHash, "sha256:"))
	assert.False(t, m.SignedAt.IsZero())

	require.Len(t, m.Assertions, 1)
	a := m.Assertions[0]
	assert.Equal(t, "c2pa.training-mining", a.Label)
	for _, use := range []string{
		"c2pa.ai_generative_training",
		"c2pa.ai_inference",
		"c2pa.ai_training",
		"c2pa.data_mining",
	} {
		entry, ok := a.Data.Entries[use]
		require.True(t, ok, "missing entry %s", use)
		assert.Equal(t, "notAllowed", entry.Use)
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := provenance.NewDevSigner()
	require.NoError(t, err)
	assert.Contains(t, signer.Subject(), "lore-anchor dev signing")

	m := provenance.NewManifest("img-1", "00112233445566778899aabbccddeeff", []byte("pixels"))
	sm, err := signer.Sign(m)
	require.NoError(t, err)
	assert.Equal(t, provenance.AlgES256, sm.Algorithm)
	assert.NotEmpty(t, sm.Signature)
	assert.Contains(t, sm.CertPEM, "BEGIN CERTIFICATE")

	require.NoError(t, provenance.Verify(sm))

	// The canonical manifest stays valid JSON carrying the claim.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(sm.Manifest, &decoded))
	assert.Equal(t, "lore-anchor/1.0", decoded["claim_generator"])
}

func TestVerify_DetectsTampering(t *testing.T) {
	signer, err := provenance.NewDevSigner()
	require.NoError(t, err)

	sm, err := signer.Sign(provenance.NewManifest("img-1", "watermark-id-0000000000000000000", []byte("pixels")))
	require.NoError(t, err)

	tampered := *sm
	tampered.Manifest = bytes.Replace(sm.Manifest, []byte("notAllowed"), []byte("allowedNow"), 1)
	assert.ErrorContains(t, provenance.Verify(&tampered), "verification failed")

	wrongAlg := *sm
	wrongAlg.Algorithm = "RS256"
	assert.ErrorContains(t, provenance.Verify(&wrongAlg), "unsupported algorithm")
}

func TestSign_RequiresFields(t *testing.T) {
	signer, err := provenance.NewDevSigner()
	require.NoError(t, err)

	m := provenance.NewManifest("", "wm", []byte("pixels"))
	_, err = signer.Sign(m)
	assert.ErrorContains(t, err, "required fields")
}

func selfSignedPEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "test-signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func ecKeyPEM(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func TestLoadSigner(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	signer, err := provenance.LoadSigner(selfSignedPEM(t, key), ecKeyPEM(t, key))
	require.NoError(t, err)

	sm, err := signer.Sign(provenance.NewManifest("img-1", "wm-1", []byte("x")))
	require.NoError(t, err)
	assert.NoError(t, provenance.Verify(sm))
}

func TestLoadSigner_RejectsMismatchAndBadInput(t *testing.T) {
	keyA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyB, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = provenance.LoadSigner(selfSignedPEM(t, keyA), ecKeyPEM(t, keyB))
	assert.ErrorContains(t, err, "does not match")

	_, err = provenance.LoadSigner([]byte("junk"), ecKeyPEM(t, keyA))
	assert.Error(t, err)

	_, err = provenance.LoadSigner(selfSignedPEM(t, keyA), []byte("junk"))
	assert.Error(t, err)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, err = provenance.LoadSigner(selfSignedPEM(t, p384), ecKeyPEM(t, p384))
	assert.ErrorContains(t, err, "P-256")
}

func TestEmbedAndExtractPNG(t *testing.T) {
	img := imaging.New(4, 4)
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 5)
	}
	png, err := imaging.EncodePNG(img)
	require.NoError(t, err)

	signer, err := provenance.NewDevSigner()
	require.NoError(t, err)
	sm, err := signer.Sign(provenance.NewManifest("img-1", "wm-1", png))
	require.NoError(t, err)

	embedded, err := provenance.EmbedPNG(png, sm)
	require.NoError(t, err)
	assert.Greater(t, len(embedded), len(png))

	// The embedded image still decodes; the provenance chunk is ancillary.
	decoded, format, err := imaging.Decode(embedded)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, img.Pix, decoded.Pix)

	got, err := provenance.ExtractPNG(embedded)
	require.NoError(t, err)
	assert.Equal(t, sm.Signature, got.Signature)
	assert.NoError(t, provenance.Verify(got))
}

func TestExtractPNG_NoManifest(t *testing.T) {
	png, err := imaging.EncodePNG(imaging.New(2, 2))
	require.NoError(t, err)

	_, err = provenance.ExtractPNG(png)
	assert.ErrorIs(t, err, provenance.ErrNoManifest)
}

func TestEmbedPNG_RejectsNonPNG(t *testing.T) {
	_, err := provenance.EmbedPNG([]byte{0xFF, 0xD8, 0xFF, 0xE0}, &provenance.SignedManifest{})
	assert.ErrorContains(t, err, "not a png")
}
