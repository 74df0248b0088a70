package tcpproxy

import (
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/fluxmon/agentd/internal/workerpool"
)

// connectTimeout bounds each probe in a range scan.
const connectTimeout = 500 * time.Millisecond

// ScanAddressRange TCP-connects to port on every address between
// start and end inclusive, returning the addresses that accepted a
// connection. Grounded on TCPScanAddressRange (tcpproxy.cpp
// H_TCPAddressRangeScan), which the original exposes as master-only,
// TCP-proxy-gated list "TCP.ScanAddressRange"; session-level admission
// of that handler is internal/session's concern, not this package's.
func ScanAddressRange(pool *workerpool.Pool, start, end netip.Addr, port uint16) []string {
	if !start.Is4() || !end.Is4() || start.Compare(end) > 0 {
		return nil
	}

	var mu sync.Mutex
	var alive []string
	var wg sync.WaitGroup

	for addr := start; ; addr = addr.Next() {
		wg.Add(1)
		a := addr
		pool.Submit(func() {
			defer wg.Done()
			if probe(a, port) {
				mu.Lock()
				alive = append(alive, a.String())
				mu.Unlock()
			}
		})
		if addr == end {
			break
		}
	}
	wg.Wait()
	return alive
}

func probe(addr netip.Addr, port uint16) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), connectTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
