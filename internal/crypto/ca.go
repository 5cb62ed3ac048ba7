// Package crypto implements the internal certificate authority used to
// mint per-device client certificates.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	oidExtKeyUsage  = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidKPClientAuth = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
)

const (
	DeviceCertValidityDays = 365
	CaCertValidityDays     = 365 * 10

	deviceCommonNamePrefix = "device_"
	agencyOrgPrefix        = "agency_"

	rsaKeyBits = 2048
)

// DeviceCertCN returns the subject common name for a device certificate.
func DeviceCertCN(deviceID uuid.UUID) string {
	return deviceCommonNamePrefix + deviceID.String()
}

// CA signs device client certificates with a CA certificate and key
// loaded at startup.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// SignedCert is the result of a signing operation. The private key
// leaves the process exactly once, in the provisioning response.
type SignedCert struct {
	CertPEM []byte
	KeyPEM  []byte
	CN      string
	Expiry  time.Time
}

// LoadCA reads a PEM-encoded CA certificate and private key. Startup
// fails if either file is absent or the pair does not match.
func LoadCA(certFile, keyFile string) (*CA, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate %q: %w", certFile, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA key %q: %w", keyFile, err)
	}
	return ParseCA(certPEM, keyPEM)
}

// ParseCA builds a CA from PEM-encoded certificate and key bytes.
func ParseCA(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("CA certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("CA key is not valid PEM")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, fmt.Errorf("CA certificate and key do not match")
	}
	return &CA{cert: cert, key: key}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key must be RSA, got %T", parsed)
	}
	return key, nil
}

// EnsureCA loads the CA from disk, generating a self-signed one when
// both files are absent.
func EnsureCA(certFile, keyFile string) (*CA, bool, error) {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
		ca, err := MakeSelfSignedCA(certFile, keyFile, "firstline-ca")
		return ca, true, err
	}
	ca, err := LoadCA(certFile, keyFile)
	return ca, false, err
}

// MakeSelfSignedCA generates a self-signed CA and writes the pair to disk.
func MakeSelfSignedCA(certFile, keyFile, commonName string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, CaCertValidityDays),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.MkdirAll(filepath.Dir(certFile), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing CA certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}

	return &CA{cert: cert, key: key}, nil
}

// SignDeviceCert generates a fresh RSA keypair and a client certificate
// for the device, signed by the CA with SHA-256.
func (ca *CA) SignDeviceCert(deviceID, agencyID uuid.UUID, validityDays int) (*SignedCert, error) {
	if validityDays <= 0 {
		validityDays = DeviceCertValidityDays
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	// The extended key usage is marshaled by hand so the extension can
	// be marked critical; the template field always emits it non-critical.
	ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{oidKPClientAuth})
	if err != nil {
		return nil, fmt.Errorf("encoding extended key usage: %w", err)
	}

	now := time.Now()
	expiry := now.AddDate(0, 0, validityDays)
	cn := DeviceCertCN(deviceID)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{agencyOrgPrefix + agencyID.String()},
		},
		NotBefore:             now,
		NotAfter:              expiry,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		IsCA:                  false,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions: []pkix.Extension{{
			Id:       oidExtKeyUsage,
			Critical: true,
			Value:    ekuValue,
		}},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing device certificate: %w", err)
	}

	return &SignedCert{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		CN:      cn,
		Expiry:  expiry,
	}, nil
}

// CertPEM returns the CA certificate in PEM form.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

func randomSerial() (*big.Int, error) {
	// 128-bit random serial per RFC 5280 guidance
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial: %w", err)
	}
	return serial, nil
}
