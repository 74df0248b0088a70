package registry

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"github.com/fluxmon/agentd/internal/tcpproxy"
	"github.com/fluxmon/agentd/internal/wire"
	"github.com/fluxmon/agentd/internal/workerpool"
)

// defaultScanPort is used when the port argument is omitted, matching
// H_TCPAddressRangeScan's fallback to port 4700.
const defaultScanPort = 4700

// CorePlugin registers the built-in list metrics that have no other
// home: currently just TCP.ScanAddressRange, compiled directly into
// the daemon rather than loaded as a separate subagent, since the
// original links it into the core agent binary too (tcpproxy.cpp is
// part of agent/core, not a subagent module).
type CorePlugin struct {
	Pool *workerpool.Pool
}

func (c *CorePlugin) Register() PluginDescriptor {
	return PluginDescriptor{
		Name:    "Core",
		Version: "1.0",
		ListMetrics: []ListMetric{
			{
				Name:        "TCP.ScanAddressRange",
				Description: "Scan a TCP address range for open hosts",
				Handler:     c.scanAddressRange,
			},
		},
	}
}

// scanAddressRange implements the GET_LIST handler grounded on
// H_TCPAddressRangeScan (tcpproxy.cpp): arg is three comma-separated
// fields, start address, end address and port, with port defaulting
// to 4700 when left empty — the same positional extraction as
// AgentGetParameterArgA(cmd, 1/2/3, ...) in the original, adapted from
// a parenthesized metric invocation string to this registry's
// separate (name, arg) split.
func (c *CorePlugin) scanAddressRange(ctx context.Context, name, arg string, rc RequestContext) ([]string, wire.ResultCode) {
	fields := strings.Split(arg, ",")
	if len(fields) < 2 {
		return nil, wire.RCBadArguments
	}

	start, err := netip.ParseAddr(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, wire.RCBadArguments
	}
	end, err := netip.ParseAddr(strings.TrimSpace(fields[1]))
	if err != nil {
		return nil, wire.RCBadArguments
	}

	port := uint16(defaultScanPort)
	if len(fields) >= 3 && strings.TrimSpace(fields[2]) != "" {
		p, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 0, 16)
		if err != nil || p == 0 {
			return nil, wire.RCBadArguments
		}
		port = uint16(p)
	}

	return tcpproxy.ScanAddressRange(c.Pool, start, end, port), wire.RCSuccess
}
