package datacollection

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/fluxmon/agentd/internal/store"
)

// MetricRegistry is the minimal slice of internal/registry.Registry
// the local-agent collector needs: looking up a metric by name. Kept
// as a narrow interface here to avoid a dependency cycle between
// datacollection and registry (the registry in turn depends on
// datacollection for nothing, but session depends on both).
type MetricRegistry interface {
	GetMetric(ctx context.Context, name string) (value string, status store.StatusCode)
}

// SNMPTransport is the minimal capability the SNMP collectors need
// from internal/snmpclient, kept as a narrow interface for the same
// reason as MetricRegistry.
type SNMPTransport interface {
	Get(ctx context.Context, target *store.SNMPTarget, oid string) (value string, status store.StatusCode, err error)
	WalkColumns(ctx context.Context, target *store.SNMPTarget, tableOID string, columns []store.SNMPColumn) (rows [][]string, status store.StatusCode, err error)
}

// Collector produces one DataElement for one item.
type Collector interface {
	Collect(ctx context.Context, item *store.DataCollectionItem) *store.DataElement
}

// LocalCollector wraps the metric registry: §4.3 "A local-agent
// collector calls the registry with (metric-name, session=virtual)
// and wraps the string result." Modbus-origin items are routed here
// too, since Modbus metrics (e.g. "Modbus.ConnectionStatus(*)") are
// registered core metric handlers reached through the same registry
// lookup as local-agent metrics, matching
// datacoll.cpp's LocalDataCollectionCallback handling both
// DS_NATIVE_AGENT and DS_MODBUS.
type LocalCollector struct {
	Registry MetricRegistry
}

func (c *LocalCollector) Collect(ctx context.Context, item *store.DataCollectionItem) *store.DataElement {
	value, status := c.Registry.GetMetric(ctx, item.Name)
	return &store.DataElement{
		ServerID:    item.ServerID,
		DCIID:       item.DCIID,
		Origin:      item.Origin,
		Type:        store.ItemTypeScalar,
		Status:      status,
		TimestampMs: nowMs(),
		ScalarValue: value,
	}
}

// SNMPScalarCollector issues one GET on the item's OID.
type SNMPScalarCollector struct {
	Transport SNMPTransport
	Targets   *SNMPTargetCache
}

func (c *SNMPScalarCollector) Collect(ctx context.Context, item *store.DataCollectionItem) *store.DataElement {
	target, ok := c.Targets.Get(item.SNMPTargetGUID)
	if !ok {
		return &store.DataElement{
			ServerID: item.ServerID, DCIID: item.DCIID, Origin: item.Origin,
			Type: store.ItemTypeScalar, Status: store.StatusInternalError, TimestampMs: nowMs(),
		}
	}
	value, status, err := c.Transport.Get(ctx, target, item.SNMPOID)
	if err != nil && status == store.StatusSuccess {
		status = store.StatusInternalError
	}
	return &store.DataElement{
		ServerID: item.ServerID, DCIID: item.DCIID, Origin: item.Origin,
		Type: store.ItemTypeScalar, Status: status, SNMPSourceGUID: target.GUID,
		TimestampMs: nowMs(), ScalarValue: value,
	}
}

// SNMPTableCollector walks the table OID, then issues per-row GETs for
// each defined column, with optional hex-conversion of string values
// (§4.3).
type SNMPTableCollector struct {
	Transport SNMPTransport
	Targets   *SNMPTargetCache
}

func (c *SNMPTableCollector) Collect(ctx context.Context, item *store.DataCollectionItem) *store.DataElement {
	target, ok := c.Targets.Get(item.SNMPTargetGUID)
	if !ok {
		return &store.DataElement{
			ServerID: item.ServerID, DCIID: item.DCIID, Origin: item.Origin,
			Type: store.ItemTypeTable, Status: store.StatusInternalError, TimestampMs: nowMs(),
		}
	}

	// §8 boundary behavior: empty column list -> zero rows, status success.
	if len(item.SNMPColumns) == 0 {
		return &store.DataElement{
			ServerID: item.ServerID, DCIID: item.DCIID, Origin: item.Origin,
			Type: store.ItemTypeTable, Status: store.StatusSuccess, SNMPSourceGUID: target.GUID,
			TimestampMs: nowMs(), TableColumns: nil, TableRows: [][]string{},
		}
	}

	rows, status, err := c.Transport.WalkColumns(ctx, target, item.SNMPOID, item.SNMPColumns)
	if err != nil && status == store.StatusSuccess {
		status = store.StatusInternalError
	}

	columns := make([]string, len(item.SNMPColumns))
	for i, col := range item.SNMPColumns {
		columns[i] = col.Name
	}
	if status == store.StatusSuccess {
		for _, col := range item.SNMPColumns {
			if col.HexConvert {
				applyHexConversion(rows, columns, col.Name)
			}
		}
	}

	return &store.DataElement{
		ServerID: item.ServerID, DCIID: item.DCIID, Origin: item.Origin,
		Type: store.ItemTypeTable, Status: status, SNMPSourceGUID: target.GUID,
		TimestampMs: nowMs(), TableColumns: columns, TableRows: rows,
	}
}

func applyHexConversion(rows [][]string, columns []string, colName string) {
	idx := -1
	for i, c := range columns {
		if c == colName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	for _, row := range rows {
		if idx < len(row) {
			row[idx] = hex.EncodeToString([]byte(row[idx]))
		}
	}
}

// ForItem selects the right collector for an item's origin/type.
func ForItem(item *store.DataCollectionItem, local Collector, scalar Collector, table Collector) (Collector, error) {
	switch item.Origin {
	case store.OriginLocalAgent, store.OriginScript, store.OriginModbus:
		return local, nil
	case store.OriginSNMP:
		if item.Type == store.ItemTypeTable {
			return table, nil
		}
		return scalar, nil
	default:
		return nil, fmt.Errorf("datacollection: unsupported origin %d for item %s", item.Origin, item.Key())
	}
}
