package certstore

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"time"
)

// VerifyPinnedFingerprint reports whether leaf's SHA-256 fingerprint
// matches pinned (hex, case-insensitive), the original's
// verifyServerCertificateFingerprint short-circuit ahead of full chain
// validation against the trusted root store.
func VerifyPinnedFingerprint(leaf *x509.Certificate, pinned string) bool {
	if pinned == "" {
		return false
	}
	sum := sha256.Sum256(leaf.Raw)
	return hex.EncodeToString(sum[:]) == normalizeFingerprint(pinned)
}

func normalizeFingerprint(s string) string {
	out := make([]byte, 0, len(s))
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case c == ':' || c == ' ':
			// strip common fingerprint separators
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// Info mirrors the fields H_CertificateInfo exposes as
// X509.Certificate.* agent parameters.
type Info struct {
	Subject             string
	Issuer              string
	ExpirationTime      time.Time
	DaysUntilExpiration int
}

func Describe(cert *x509.Certificate) Info {
	return Info{
		Subject:             cert.Subject.String(),
		Issuer:              cert.Issuer.String(),
		ExpirationTime:      cert.NotAfter,
		DaysUntilExpiration: int(time.Until(cert.NotAfter).Hours() / 24),
	}
}

func (i Info) ExpirationDate() string {
	return i.ExpirationTime.Format("2006-01-02")
}
