package datacollection

import (
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/store"
)

// ConfigSnapshot is the per-server-id configuration pushed by a
// server (§4.3 "Configuration intake"): SNMP targets, proxy list, zone
// configuration, and the full set of DCIs.
type ConfigSnapshot struct {
	ServerID    uint64
	SNMPTargets []*store.SNMPTarget
	Proxies     []*store.DataCollectionProxy
	Zone        *store.ZoneConfiguration
	Items       []*store.DataCollectionItem
}

// ConfigPushDB is the slice of store.DB the config-push handler needs.
// Each call is its own write; Apply does not group them into one
// transaction.
type ConfigPushDB interface {
	UpsertSNMPTarget(t *store.SNMPTarget) error
	SaveProxyMap(serverID uint64, proxies []*store.DataCollectionProxy) error
	SaveZoneConfig(z *store.ZoneConfiguration) error
	UpsertDCI(item *store.DataCollectionItem) error
	DeleteDCI(serverID, dciID uint64) error
}

// ConfigPushHandler applies one ConfigSnapshot (§4.3 steps 1-5).
type ConfigPushHandler struct {
	db      ConfigPushDB
	items   *ItemMap
	targets *SNMPTargetCache
	proxies *ProxyMap
	metrics *metrics.Registry
	log     *zap.Logger

	onBackupProxyIntroduced func(serverID, proxyID uint64)
}

func NewConfigPushHandler(db ConfigPushDB, items *ItemMap, targets *SNMPTargetCache, proxies *ProxyMap, m *metrics.Registry, onBackupProxyIntroduced func(serverID, proxyID uint64)) *ConfigPushHandler {
	return &ConfigPushHandler{
		db: db, items: items, targets: targets, proxies: proxies, metrics: m,
		log: agentlog.For("datacollection.configpush"),
		onBackupProxyIntroduced: onBackupProxyIntroduced,
	}
}

// Apply performs §4.3 steps 1-5 and returns a multierror aggregating
// any per-row failures. A failed row is skipped and the remaining rows
// are still applied; rows already written are not rolled back, so a
// push that returns an error may have been partly applied.
func (h *ConfigPushHandler) Apply(snap *ConfigSnapshot) error {
	var merr *multierror.Error

	for _, t := range snap.SNMPTargets {
		if err := h.db.UpsertSNMPTarget(t); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		h.targets.Upsert(t)
	}

	h.proxies.Replace(snap.ServerID, snap.Proxies)
	if err := h.db.SaveProxyMap(snap.ServerID, snap.Proxies); err != nil {
		merr = multierror.Append(merr, err)
	}

	existingKeys := make(map[uint64]bool)
	for _, dciID := range h.items.KeysForServer(snap.ServerID) {
		existingKeys[dciID] = true
	}

	introducedBackupProxies := make(map[uint64]bool)

	for _, incoming := range snap.Items {
		incoming.ServerID = snap.ServerID
		delete(existingKeys, incoming.DCIID)

		current, exists := h.items.Get(snap.ServerID, incoming.DCIID)
		if exists && current.Equal(incoming) {
			continue // idempotent: no material change, no write (§8 round-trip law)
		}

		if err := h.db.UpsertDCI(incoming); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		h.items.Put(incoming)

		if incoming.BackupProxyID != 0 && (!exists || current.BackupProxyID != incoming.BackupProxyID) {
			introducedBackupProxies[incoming.BackupProxyID] = true
		}
	}

	// §4.3 step 4: delete every existing item for this server absent
	// from the snapshot.
	for dciID := range existingKeys {
		if err := h.db.DeleteDCI(snap.ServerID, dciID); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		h.items.Delete(snap.ServerID, dciID)
	}

	if snap.Zone != nil {
		if err := h.db.SaveZoneConfig(snap.Zone); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if h.onBackupProxyIntroduced != nil {
		for proxyID := range introducedBackupProxies {
			h.proxies.MarkInUse(snap.ServerID, proxyID)
			h.onBackupProxyIntroduced(snap.ServerID, proxyID)
		}
	}

	if h.metrics != nil {
		h.metrics.ConfigPushes.Inc()
	}

	if merr != nil {
		h.log.Warn("config push completed with errors", zap.Uint64("server_id", snap.ServerID), zap.Error(merr))
		return merr
	}
	return nil
}
