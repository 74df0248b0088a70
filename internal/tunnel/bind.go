package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"

	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/wire"
)

// certificatePrefix is the deterministic file-name stem the bound
// certificate is saved under, matching the locally-provisioned name
// connect() tries on the next reconnect (§4.2 "Certificate sourcing").
func (t *Tunnel) certificatePrefix() string {
	if t.cfg.CertificatePrefix != "" {
		return t.cfg.CertificatePrefix
	}
	return "agent"
}

// processBindRequest implements §4.2 "Binding request": generate a
// key pair, build a CSR for the agent's stable identity, ship it,
// wait for the signed certificate, and persist cert+key so the next
// reconnect picks them up. Grounded on
// Tunnel::processBindRequest/createCertificateRequest/saveCertificate.
func (t *Tunnel) processBindRequest(ctx context.Context, req *wire.Message) {
	response := wire.NewMessage(wire.CmdRequestCompleted, req.ID)
	defer func() { t.send(response) }()

	if t.certs == nil {
		response.SetInt32(wire.VIDRCC, int32(wire.RCNotImplemented))
		return
	}

	guid := req.GetGUID(wire.VIDGUID)
	cn := formatGUID(guid)
	country := req.GetString(wire.VIDCountry)
	org := req.GetString(wire.VIDOrganization)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.log.Warn("bind: key generation failed", zap.Error(err))
		response.SetInt32(wire.VIDRCC, int32(wire.RCEncryptionError))
		return
	}

	subject := pkix.Name{CommonName: cn}
	if country != "" {
		subject.Country = []string{country}
	}
	if org != "" {
		subject.Organization = []string{org}
	}

	csrTemplate := &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, key)
	if err != nil {
		t.log.Warn("bind: CSR creation failed", zap.Error(err))
		response.SetInt32(wire.VIDRCC, int32(wire.RCEncryptionError))
		return
	}

	certReqID := t.nextRequestID()
	certReq := wire.NewMessage(wire.CmdRequestCertificate, certReqID)
	certReq.Flags |= wire.FlagBinary
	certReq.SetBinary(wire.VIDCertificate, csrDER)
	if err := t.send(certReq); err != nil {
		response.SetInt32(wire.VIDRCC, int32(wire.RCIOFailure))
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	t.mu.Lock()
	wq := t.wq
	t.mu.Unlock()
	if wq == nil {
		response.SetInt32(wire.VIDRCC, int32(wire.RCConnectionBroken))
		return
	}
	certResp, err := wq.WaitFor(waitCtx, wire.Key{Code: wire.CmdNewCertificate, ID: certReqID})
	if err != nil {
		t.log.Warn("bind: timed out waiting for signed certificate", zap.Error(err))
		response.SetInt32(wire.VIDRCC, int32(wire.RCRequestTimeout))
		return
	}

	if rcc := wire.ResultCode(certResp.GetInt32(wire.VIDRCC)); rcc != wire.RCSuccess {
		response.SetInt32(wire.VIDRCC, int32(rcc))
		return
	}

	certDER := certResp.GetBinary(wire.VIDCertificate)
	if len(certDER) == 0 {
		response.SetInt32(wire.VIDRCC, int32(wire.RCInternalError))
		return
	}
	if _, err := x509.ParseCertificate(certDER); err != nil {
		t.log.Warn("bind: signed certificate is invalid", zap.Error(err))
		response.SetInt32(wire.VIDRCC, int32(wire.RCEncryptionError))
		return
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		response.SetInt32(wire.VIDRCC, int32(wire.RCEncryptionError))
		return
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := t.certs.Save(t.certificatePrefix(), certPEM, keyPEM); err != nil {
		t.log.Warn("bind: failed to persist issued certificate", zap.Error(err))
		response.SetInt32(wire.VIDRCC, int32(wire.RCIOFailure))
		return
	}

	t.log.Info("bind: certificate issued and saved")
	response.SetInt32(wire.VIDRCC, int32(wire.RCSuccess))
}

func formatGUID(g [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", g[0:4], g[4:6], g[6:8], g[8:10], g[10:16])
}
