package provenance

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/gowebpki/jcs"
)

// AlgES256 is the only signing algorithm the pipeline produces: ECDSA over
// P-256 with SHA-256, signature encoded as raw R||S.
const AlgES256 = "ES256"

// SignedManifest is the stored and embedded form of a signed manifest.
// Manifest holds the canonical JSON the signature covers.
type SignedManifest struct {
	Manifest  json.RawMessage `json:"manifest"`
	Algorithm string          `json:"alg"`
	Signature string          `json:"signature"`
	CertPEM   string          `json:"cert_pem"`
}

// Signer signs manifests with an ES256 key and carries the certificate that
// travels with every signature.
type Signer struct {
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
}

// LoadSigner parses PEM-encoded certificate and private key material. The
// key must be P-256 and must match the certificate's public key.
func LoadSigner(certPEM, keyPEM []byte) (*Signer, error) {
	key, err := parseECKey(keyPEM)
	if err != nil {
		return nil, err
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("provenance: ES256 requires a P-256 key, got %s", key.Curve.Params().Name)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("provenance: signing cert is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to parse signing cert: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("provenance: signing cert carries %T, want ECDSA", cert.PublicKey)
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, errors.New("provenance: signing cert does not match the private key")
	}
	return &Signer{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
	}, nil
}

// LoadSignerFromFiles reads certificate and key PEM files from disk.
func LoadSignerFromFiles(certPath, keyPath string) (*Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to read signing cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to read signing key: %w", err)
	}
	return LoadSigner(certPEM, keyPEM)
}

// NewDevSigner mints an ephemeral P-256 key and a one-year self-signed
// certificate. Only for workers explicitly marked non-production.
func NewDevSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to generate dev key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to generate serial: %w", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Lore Anchor"},
			CommonName:   "lore-anchor dev signing",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to self-sign dev cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to parse dev cert: %w", err)
	}
	return &Signer{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// Subject returns the certificate subject, for startup logging.
func (s *Signer) Subject() string {
	return s.cert.Subject.String()
}

// Sign canonicalizes m and signs its SHA-256 digest.
func (s *Signer) Sign(m Manifest) (*SignedManifest, error) {
	if m.ImageID == "" || m.WatermarkID == "" || m.ContentHash == "" {
		return nil, errors.New("provenance: manifest missing required fields")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to encode manifest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("provenance: failed to canonicalize manifest: %w", err)
	}
	digest := sha256.Sum256(canonical)
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("provenance: signing failed: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])
	return &SignedManifest{
		Manifest:  canonical,
		Algorithm: AlgES256,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		CertPEM:   string(s.certPEM),
	}, nil
}

// Verify checks sm's signature against the certificate it carries.
func Verify(sm *SignedManifest) error {
	if sm.Algorithm != AlgES256 {
		return fmt.Errorf("provenance: unsupported algorithm %q", sm.Algorithm)
	}
	block, _ := pem.Decode([]byte(sm.CertPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.New("provenance: manifest carries no certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("provenance: failed to parse carried cert: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("provenance: carried cert holds %T, want ECDSA", cert.PublicKey)
	}

	canonical, err := jcs.Transform(sm.Manifest)
	if err != nil {
		return fmt.Errorf("provenance: failed to canonicalize manifest: %w", err)
	}
	digest := sha256.Sum256(canonical)

	sig, err := base64.RawURLEncoding.DecodeString(sm.Signature)
	if err != nil {
		return fmt.Errorf("provenance: bad signature encoding: %w", err)
	}
	if len(sig) != 64 {
		return fmt.Errorf("provenance: ES256 signature must be 64 bytes, got %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest[:], r, sv) {
		return errors.New("provenance: signature verification failed")
	}
	return nil
}

func parseECKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("provenance: signing key is not PEM")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("provenance: failed to parse EC key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("provenance: failed to parse PKCS8 key: %w", err)
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("provenance: signing key is %T, want ECDSA", parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("provenance: unsupported key PEM type %q", block.Type)
	}
}
