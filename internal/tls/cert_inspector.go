package tls

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/polisai/polis-mqtls/pkg/config"
)

// Expiry status values, ordered by urgency.
const (
	StatusOK       = "OK"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
	StatusExpired  = "EXPIRED"
)

// Expiry thresholds in days.
const (
	warningDays  = 30
	criticalDays = 7
)

// ExpiryStatus classifies a certificate by the time left before NotAfter.
func ExpiryStatus(cert *x509.Certificate, now time.Time) (status string, daysRemaining int) {
	remaining := cert.NotAfter.Sub(now)
	daysRemaining = int(math.Floor(remaining.Hours() / 24))

	switch {
	case remaining <= 0:
		return StatusExpired, daysRemaining
	case daysRemaining < criticalDays:
		return StatusCritical, daysRemaining
	case daysRemaining < warningDays:
		return StatusWarning, daysRemaining
	default:
		return StatusOK, daysRemaining
	}
}

// CertificateSummary is the printable view of one store certificate.
type CertificateSummary struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	IsCA               bool      `json:"is_ca"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	IPAddresses        []net.IP  `json:"ip_addresses,omitempty"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm"`
	KeySize            int       `json:"key_size"`
	Status             string    `json:"status"`
	DaysRemaining      int       `json:"days_remaining"`
}

// StoreReport describes the contents of one store.
type StoreReport struct {
	Role         string               `json:"role"`
	Path         string               `json:"path"`
	Type         string               `json:"type"`
	HasKey       bool                 `json:"has_key"`
	Certificates []CertificateSummary `json:"certificates"`
}

// InspectTrustStore loads a trust store and summarises its certificates.
func InspectTrustStore(spec config.StoreSpec, now time.Time) (*StoreReport, error) {
	material, err := LoadTrustMaterial(spec)
	if err != nil {
		return nil, err
	}
	return newStoreReport("trust", spec, false, material.Certificates, now), nil
}

// InspectKeyStore loads a key store and summarises its chain, leaf first.
func InspectKeyStore(spec config.StoreSpec, now time.Time) (*StoreReport, error) {
	material, err := LoadKeyMaterial(spec)
	if err != nil {
		return nil, err
	}
	certs := append([]*x509.Certificate{material.Leaf()}, material.Chain...)
	return newStoreReport("key", spec, true, certs, now), nil
}

func newStoreReport(role string, spec config.StoreSpec, hasKey bool, certs []*x509.Certificate, now time.Time) *StoreReport {
	report := &StoreReport{
		Role:   role,
		Path:   spec.Path,
		Type:   spec.NormalizedType(),
		HasKey: hasKey,
	}
	for _, cert := range certs {
		report.Certificates = append(report.Certificates, SummarizeCertificate(cert, now))
	}
	return report
}

// SummarizeCertificate extracts the fields shown by the inspect command.
func SummarizeCertificate(cert *x509.Certificate, now time.Time) CertificateSummary {
	status, days := ExpiryStatus(cert, now)
	return CertificateSummary{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       cert.SerialNumber.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		IsCA:               cert.IsCA,
		DNSNames:           cert.DNSNames,
		IPAddresses:        cert.IPAddresses,
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		KeySize:            keySize(cert.PublicKey),
		Status:             status,
		DaysRemaining:      days,
	}
}

func keySize(pub interface{}) int {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}

// String renders the summary on one line.
func (s CertificateSummary) String() string {
	return fmt.Sprintf("%s (issuer %s) valid %s to %s [%s, %d days]",
		s.Subject, s.Issuer,
		s.NotBefore.Format(time.RFC3339), s.NotAfter.Format(time.RFC3339),
		s.Status, s.DaysRemaining)
}
