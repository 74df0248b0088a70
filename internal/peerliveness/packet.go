// Package peerliveness implements the UDP HMAC peer-liveness protocol
// of §4.4: each in-use DataCollectionProxy is probed with a signed
// challenge, and the same listener validates inbound probes from
// peers. Grounded on original_source/src/agent/core/proxy.cpp's
// ProxyMsg layout, DataCollectionProxy::checkConnection, and the
// receiving-side validation in ProxyListener, reimplemented with
// stdlib crypto/hmac — no pack dependency offers anything closer to a
// fixed-size signed-datagram codec than encoding/binary + crypto/hmac.
package peerliveness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	challengeSize = 32
	hmacSize      = sha256.Size
	// packetSize is the fixed wire size of one ProxyMsg: challenge +
	// serverId(8) + zoneUin(4) + proxyIdDest(4) + proxyIdSelf(4) + hmac,
	// per §6's wire layout.
	packetSize = challengeSize + 8 + 4 + 4 + 4 + hmacSize
)

// Packet is the fixed-format UDP probe/response of §4.4.
type Packet struct {
	Challenge   [challengeSize]byte
	ServerID    uint64
	ProxyIDDest uint32
	ProxyIDSelf uint32
	ZoneUIN     uint32
	HMAC        [hmacSize]byte
}

// NewChallenge builds a fresh outbound probe with a random challenge,
// signed with secret.
func NewChallenge(serverID uint64, proxyIDDest, proxyIDSelf, zoneUIN uint32, secret [32]byte) (Packet, error) {
	var p Packet
	if _, err := rand.Read(p.Challenge[:]); err != nil {
		return Packet{}, fmt.Errorf("peerliveness: generate challenge: %w", err)
	}
	p.ServerID = serverID
	p.ProxyIDDest = proxyIDDest
	p.ProxyIDSelf = proxyIDSelf
	p.ZoneUIN = zoneUIN
	p.sign(secret)
	return p, nil
}

// Reply builds the signed response to an inbound probe, swapping
// proxyIdSelf/proxyIdDest per §4.4 ("The peer swaps its-id <-> our-id,
// re-signs, sends back").
func Reply(req Packet, ownID uint32, secret [32]byte) Packet {
	resp := Packet{
		Challenge:   req.Challenge,
		ServerID:    req.ServerID,
		ProxyIDDest: req.ProxyIDSelf,
		ProxyIDSelf: ownID,
		ZoneUIN:     req.ZoneUIN,
	}
	resp.sign(secret)
	return resp
}

// Verify reports whether resp is a well-signed reply to req from the
// same zone's shared secret, with the challenge echoed back exactly
// and the proxy ids swapped correctly.
func Verify(req, resp Packet, secret [32]byte) bool {
	if !resp.validSignature(secret) {
		return false
	}
	return resp.Challenge == req.Challenge &&
		req.ProxyIDDest == resp.ProxyIDSelf &&
		resp.ProxyIDDest == req.ProxyIDSelf &&
		req.ZoneUIN == resp.ZoneUIN
}

func (p *Packet) signedPrefix() []byte {
	buf := make([]byte, packetSize-hmacSize)
	copy(buf, p.Challenge[:])
	off := challengeSize
	binary.BigEndian.PutUint64(buf[off:], p.ServerID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], p.ZoneUIN)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.ProxyIDDest)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.ProxyIDSelf)
	return buf
}

func (p *Packet) sign(secret [32]byte) {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(p.signedPrefix())
	copy(p.HMAC[:], mac.Sum(nil))
}

func (p *Packet) validSignature(secret [32]byte) bool {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(p.signedPrefix())
	return hmac.Equal(mac.Sum(nil), p.HMAC[:])
}

// Marshal encodes p into its fixed wire form.
func (p Packet) Marshal() []byte {
	buf := make([]byte, packetSize)
	copy(buf, p.signedPrefix())
	copy(buf[packetSize-hmacSize:], p.HMAC[:])
	return buf
}

// Unmarshal decodes a Packet from its fixed wire form.
func Unmarshal(buf []byte) (Packet, error) {
	if len(buf) != packetSize {
		return Packet{}, fmt.Errorf("peerliveness: packet is %d bytes, want %d", len(buf), packetSize)
	}
	var p Packet
	copy(p.Challenge[:], buf[:challengeSize])
	off := challengeSize
	p.ServerID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	p.ZoneUIN = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.ProxyIDDest = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.ProxyIDSelf = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(p.HMAC[:], buf[off:])
	return p, nil
}
