// Package snmpclient implements the datacollection.SNMPTransport
// contract over github.com/gosnmp/gosnmp, in place of the original
// agent's raw OpenSSL/BSD-socket SNMP codec
// (original_source/src/agent/core/dcsnmp.cpp). Connections are pooled
// per SNMPTarget GUID so repeated scalar/table polls against the same
// device reuse one UDP socket and one negotiated USM session instead
// of re-handshaking every poll.
package snmpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/store"
)

const (
	defaultTimeout = 3 * time.Second
	defaultRetries = 2
	connCacheSize  = 256
)

// Cache pools one *gosnmp.GoSNMP connection per target GUID, bounded
// by an LRU so a server that churns through thousands of short-lived
// targets cannot leak sockets (§5 "bounded caches").
type Cache struct {
	mu      sync.Mutex
	conns   *lru.Cache[string, *gosnmp.GoSNMP]
	metrics *metrics.Registry
	log     *zap.Logger
}

func New(m *metrics.Registry) *Cache {
	conns, _ := lru.NewWithEvict(connCacheSize, func(_ string, c *gosnmp.GoSNMP) {
		c.Conn.Close()
	})
	return &Cache{conns: conns, metrics: m, log: agentlog.For("snmpclient")}
}

func (c *Cache) connFor(target *store.SNMPTarget) (*gosnmp.GoSNMP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns.Get(target.GUID); ok {
		return conn, nil
	}

	conn := &gosnmp.GoSNMP{
		Target:    target.Address,
		Port:      uint16(target.Port),
		Timeout:   defaultTimeout,
		Retries:   defaultRetries,
		Version:   snmpVersion(target.Version),
		MaxOids:   gosnmp.MaxOids,
	}
	if conn.Version == gosnmp.Version3 {
		conn.SecurityModel = gosnmp.UserSecurityModel
		conn.MsgFlags = securityLevel(target.AuthMode, target.PrivMode)
		conn.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 target.AuthName,
			AuthenticationProtocol:   authProtocol(target.AuthMode),
			AuthenticationPassphrase: target.AuthPass,
			PrivacyProtocol:          privProtocol(target.PrivMode),
			PrivacyPassphrase:        target.PrivPass,
		}
	} else {
		conn.Community = target.AuthName
	}

	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("snmpclient: connect to %s:%d: %w", target.Address, target.Port, err)
	}
	c.conns.Add(target.GUID, conn)
	return conn, nil
}

func snmpVersion(v int) gosnmp.SnmpVersion {
	switch v {
	case 1:
		return gosnmp.Version1
	case 3:
		return gosnmp.Version3
	default:
		return gosnmp.Version2c
	}
}

func securityLevel(auth store.SNMPAuthMode, priv store.SNMPPrivMode) gosnmp.SnmpV3MsgFlags {
	if auth == 0 {
		return gosnmp.NoAuthNoPriv
	}
	if priv == 0 {
		return gosnmp.AuthNoPriv
	}
	return gosnmp.AuthPriv
}

func authProtocol(auth store.SNMPAuthMode) gosnmp.SnmpV3AuthProtocol {
	switch auth {
	case 1:
		return gosnmp.MD5
	case 2:
		return gosnmp.SHA
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(priv store.SNMPPrivMode) gosnmp.SnmpV3PrivProtocol {
	switch priv {
	case 1:
		return gosnmp.DES
	case 2:
		return gosnmp.AES
	default:
		return gosnmp.NoPriv
	}
}

// Get issues a single GET against oid and maps the result onto the
// daemon's StatusCode taxonomy (§3, §7).
func (c *Cache) Get(ctx context.Context, target *store.SNMPTarget, oid string) (string, store.StatusCode, error) {
	if c.metrics != nil {
		c.metrics.SNMPRequests.Inc()
	}

	conn, err := c.connFor(target)
	if err != nil {
		return "", store.StatusInternalError, err
	}

	result, err := conn.Get([]string{oid})
	if err != nil {
		if c.metrics != nil {
			c.metrics.SNMPTimeouts.Inc()
		}
		c.invalidate(target.GUID)
		return "", store.StatusRequestTimeout, err
	}
	if c.metrics != nil {
		c.metrics.SNMPResponses.Inc()
	}
	if len(result.Variables) == 0 {
		return "", store.StatusUnknownInstance, nil
	}

	v := result.Variables[0]
	if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance || v.Type == gosnmp.EndOfMibView {
		return "", store.StatusUnknownInstance, nil
	}
	return formatValue(v), store.StatusSuccess, nil
}

// WalkColumns walks tableOID and assembles one row per instance index,
// issuing one sub-walk per requested column (§4.3 "walk then per-row
// gets").
func (c *Cache) WalkColumns(ctx context.Context, target *store.SNMPTarget, tableOID string, columns []store.SNMPColumn) ([][]string, store.StatusCode, error) {
	if len(columns) == 0 {
		return [][]string{}, store.StatusSuccess, nil
	}

	conn, err := c.connFor(target)
	if err != nil {
		return nil, store.StatusInternalError, err
	}

	// index -> row, preserving the first column's walk order.
	var order []string
	byIndex := make(map[string][]string)

	for colPos, col := range columns {
		if c.metrics != nil {
			c.metrics.SNMPRequests.Inc()
		}
		results, werr := conn.WalkAll(col.OID)
		if werr != nil {
			if c.metrics != nil {
				c.metrics.SNMPTimeouts.Inc()
			}
			c.invalidate(target.GUID)
			return nil, store.StatusRequestTimeout, werr
		}
		if c.metrics != nil {
			c.metrics.SNMPResponses.Inc()
		}
		for _, pdu := range results {
			idx := instanceSuffix(col.OID, pdu.Name)
			row, ok := byIndex[idx]
			if !ok {
				row = make([]string, len(columns))
				byIndex[idx] = row
				order = append(order, idx)
			}
			row[colPos] = formatValue(pdu)
		}
	}

	rows := make([][]string, 0, len(order))
	for _, idx := range order {
		rows = append(rows, byIndex[idx])
	}
	return rows, store.StatusSuccess, nil
}

// invalidate drops a cached connection after a failure, forcing the
// next call to reconnect rather than keep retrying a dead socket.
func (c *Cache) invalidate(guid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns.Peek(guid); ok {
		conn.Conn.Close()
		c.conns.Remove(guid)
	}
}

func instanceSuffix(baseOID, fullOID string) string {
	if len(fullOID) > len(baseOID) && fullOID[:len(baseOID)] == baseOID {
		return fullOID[len(baseOID):]
	}
	return fullOID
}

func formatValue(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
		return fmt.Sprintf("%v", v.Value)
	case gosnmp.IPAddress, gosnmp.ObjectIdentifier, gosnmp.Boolean:
		return fmt.Sprintf("%v", v.Value)
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String()
	default:
		return fmt.Sprintf("%v", v.Value)
	}
}
