package tcpproxy

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/agentd/internal/workerpool"
)

func TestScanAddressRangeFindsListeningHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	addr := netip.MustParseAddr("127.0.0.1")

	pool := workerpool.New(1, 8)
	alive := ScanAddressRange(pool, addr, addr, uint16(port))

	assert.Equal(t, []string{"127.0.0.1"}, alive)
}

func TestScanAddressRangeSkipsClosedPorts(t *testing.T) {
	// bind then immediately close to get a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	addr := netip.MustParseAddr("127.0.0.1")
	pool := workerpool.New(1, 8)
	alive := ScanAddressRange(pool, addr, addr, uint16(port))

	assert.Empty(t, alive)
}

func TestScanAddressRangeRejectsInvertedRange(t *testing.T) {
	start := netip.MustParseAddr("127.0.0.10")
	end := netip.MustParseAddr("127.0.0.1")
	pool := workerpool.New(1, 4)

	alive := ScanAddressRange(pool, start, end, 80)
	assert.Nil(t, alive)
}

func TestScanAddressRangeCoversMultipleAddresses(t *testing.T) {
	start := netip.MustParseAddr("127.0.0.1")
	end := netip.MustParseAddr("127.0.0.3")
	pool := workerpool.New(1, 8)

	// nothing listens on any of these ports; just confirm it terminates
	// and returns no false positives, covering three addresses.
	alive := ScanAddressRange(pool, start, end, freeTCPPort(t))
	assert.Empty(t, alive)
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}
