// Command agentd is the monitoring-endpoint daemon's process entry
// point: it resolves configuration, builds every subsystem in the
// order §4.7 specifies, registers each with a supervisor.Supervisor,
// and blocks until SIGINT/SIGTERM. Grounded on
// original_source/src/agent/core/nxagentd.cpp's main()/Initialize():
// the original's getopt-parsed -c/-C/-v flags become the stdlib flag
// package (this binary has exactly one command, so pulling in the
// teacher's cobra/pflag CLI stack for three flags would be translation
// busywork, not idiom); its fixed start sequence becomes an ordered
// list of supervisor.Component registrations in the same order.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fluxmon/agentd/internal/agentlog"
	"github.com/fluxmon/agentd/internal/certstore"
	"github.com/fluxmon/agentd/internal/config"
	"github.com/fluxmon/agentd/internal/datacollection"
	"github.com/fluxmon/agentd/internal/filewatch"
	"github.com/fluxmon/agentd/internal/ipc"
	"github.com/fluxmon/agentd/internal/metrics"
	"github.com/fluxmon/agentd/internal/peerliveness"
	"github.com/fluxmon/agentd/internal/policy"
	"github.com/fluxmon/agentd/internal/registry"
	"github.com/fluxmon/agentd/internal/session"
	"github.com/fluxmon/agentd/internal/snmpclient"
	"github.com/fluxmon/agentd/internal/snmpproxy"
	"github.com/fluxmon/agentd/internal/store"
	"github.com/fluxmon/agentd/internal/supervisor"
	"github.com/fluxmon/agentd/internal/trapsyslog"
	"github.com/fluxmon/agentd/internal/tunnel"
	"github.com/fluxmon/agentd/internal/workerpool"
)

// shutdownGrace bounds the stop phase, standing in for Shutdown()'s
// unconditional five-second drain sleep (§4.7).
const shutdownGrace = 10 * time.Second

func main() {
	var (
		configFile  = flag.String("c", "", "configuration file path")
		checkConfig = flag.Bool("C", false, "check configuration and exit")
		showVersion = flag.Bool("v", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("agentd (fluxmon monitoring endpoint daemon)")
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentd: error loading configuration:", err)
		os.Exit(2)
	}

	if *checkConfig {
		fmt.Println("configuration OK")
		return
	}

	if err := agentlog.Init(agentlog.Options{Level: agentlog.LevelInfo}); err != nil {
		fmt.Fprintln(os.Stderr, "agentd: error initializing logger:", err)
		os.Exit(3)
	}
	defer agentlog.Sync()

	log := agentlog.For("main")
	log.Info("agent starting")

	ctx, stop := supervisor.WaitForSignal(context.Background())
	defer stop()

	sup := supervisor.New(log)
	if err := wire(sup, cfg, log); err != nil {
		log.Fatal("failed to wire subsystems", zap.Error(err))
	}

	if err := sup.Run(ctx, shutdownGrace); err != nil {
		log.Error("agent stopped with errors", zap.Error(err))
		os.Exit(1)
	}
	log.Info("agent stopped")
}

// wire builds every subsystem and registers it with sup in this
// order: local-DB handle, logger (already done), TLS library (handled
// per-tunnel by crypto/tls), registry, configured plugins (none ship
// compiled into this daemon), listener, session watchdog,
// data-collection pipeline, SNMP trap receiver, syslog receiver, trap
// forwarder, peer-liveness checker and proxy-listener, one tunnel per
// configured upstream, push connector, session-agent connector — plus
// the master-agent and HTTP control sockets SPEC_FULL.md adds.
func wire(sup *supervisor.Supervisor, cfg *config.Config, log *zap.Logger) error {
	m := metrics.New()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening local database: %w", err)
	}
	sup.Register(supervisor.Component{
		Name: "store",
		Stop: func(ctx context.Context) error { return db.Close() },
	})

	reg := registry.New(log)
	sup.Register(supervisor.Component{
		Name: "registry",
		Stop: func(ctx context.Context) error { reg.Shutdown(); return nil },
	})

	certs := certstore.New(afero.NewOsFs(), cfg.CertificateDir)
	policyMgr := policy.New(afero.NewOsFs(), cfg.CertificateDir, cfg.CertificateDir, db, log)
	fileMonitor := filewatch.New(m, log)

	snmpCache := snmpclient.New(m)
	snmpPool := workerpool.New(cfg.MinCollectorPool, cfg.MaxCollectorPool)
	generalPool := workerpool.New(cfg.MinCollectorPool, cfg.MaxCollectorPool)
	snmpProxy := snmpproxy.New(snmpPool, m)

	if err := reg.Load(&registry.CorePlugin{Pool: generalPool}); err != nil {
		return fmt.Errorf("loading core plugin: %w", err)
	}

	trapQueue := trapsyslog.NewQueue(1024, m)

	items := datacollection.NewItemMap()
	proxies := datacollection.NewProxyMap()
	targets := datacollection.NewSNMPTargetCache()
	syncStatus := datacollection.NewSyncStatusMap(m)
	zones := newZoneResolver(proxies)

	if err := bootstrapFromDB(db, items, proxies, targets, syncStatus, zones); err != nil {
		return fmt.Errorf("loading persisted state: %w", err)
	}

	mgr := session.NewManager(cfg.MaxSessions, m)

	writer := datacollection.NewWriter(db, cfg.MaxTransactionSize, cfg.DBWriterFlushInterval)
	sender := datacollection.NewSender(mgr, syncStatus, db, 4096)
	reconciler := datacollection.NewReconciler(db, mgr, syncStatus, items, cfg.ReconciliationBlockSize, os.TempDir(), m)
	expiration := datacollection.NewExpirationJob(db, syncStatus, items, targets, cfg.OfflineExpirationDays)

	localCollector := &datacollection.LocalCollector{Registry: reg}
	scalarCollector := &datacollection.SNMPScalarCollector{Transport: snmpCache, Targets: targets}
	tableCollector := &datacollection.SNMPTableCollector{Transport: snmpCache, Targets: targets}
	scheduler := datacollection.NewScheduler(items, proxies, sender, generalPool, snmpPool, localCollector, scalarCollector, tableCollector)

	configPush := datacollection.NewConfigPushHandler(db, items, targets, proxies, m, nil)

	dispatcher := session.NewDispatcher(reg, policyMgr, fileMonitor, snmpProxy, configPush, trapQueue)
	listener := session.NewListener(mgr, dispatcher, cfg.Servers)

	sup.Register(supervisor.Component{
		Name: "session-listener",
		Start: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindAddressV4, strconv.Itoa(cfg.Port)))
			if err != nil {
				return err
			}
			go func() {
				if err := listener.Serve(ctx, ln); err != nil {
					log.Error("session listener exited", zap.Error(err))
				}
			}()
			return nil
		},
	})

	sup.Register(supervisor.Component{
		Name: "session-watchdog",
		Start: func(ctx context.Context) error {
			go mgr.RunWatchdog(ctx, cfg.IdleTimeout, cfg.IdleTimeout/4)
			return nil
		},
	})

	sup.Register(supervisor.Component{
		Name:  "datacollection-writer",
		Start: func(ctx context.Context) error { go writer.Run(ctx); return nil },
		Stop:  func(ctx context.Context) error { writer.Shutdown(); return nil },
	})
	sup.Register(supervisor.Component{
		Name:  "datacollection-sender",
		Start: func(ctx context.Context) error { go sender.Run(ctx, writer); return nil },
		Stop:  func(ctx context.Context) error { sender.Shutdown(); return nil },
	})
	sup.Register(supervisor.Component{
		Name:  "datacollection-reconciler",
		Start: func(ctx context.Context) error { go reconciler.Run(ctx); return nil },
		Stop:  func(ctx context.Context) error { reconciler.Stop(); return nil },
	})
	sup.Register(supervisor.Component{
		Name:  "datacollection-expiration",
		Start: func(ctx context.Context) error { go expiration.RunHourly(ctx); return nil },
	})
	sup.Register(supervisor.Component{
		Name:  "datacollection-scheduler",
		Start: func(ctx context.Context) error { go scheduler.Run(ctx); return nil },
		Stop:  func(ctx context.Context) error { scheduler.Stop(); return nil },
	})

	trapReceiver := trapsyslog.NewTrapReceiver(cfg.BindAddress, cfg.SNMPTrapPort, cfg.ZoneUIN, trapQueue, m)
	syslogReceiver := trapsyslog.NewSyslogReceiver(cfg.BindAddress, cfg.SyslogPort, cfg.ZoneUIN, trapQueue, m)
	forwarder := trapsyslog.NewForwarder(trapQueue, mgr)

	sup.Register(supervisor.Component{
		Name: "snmp-trap-receiver",
		Start: func(ctx context.Context) error {
			go func() {
				if err := trapReceiver.Run(ctx); err != nil {
					log.Error("trap receiver exited", zap.Error(err))
				}
			}()
			return nil
		},
	})
	sup.Register(supervisor.Component{
		Name: "syslog-receiver",
		Start: func(ctx context.Context) error {
			go func() {
				if err := syslogReceiver.Run(ctx); err != nil {
					log.Error("syslog receiver exited", zap.Error(err))
				}
			}()
			return nil
		},
	})
	sup.Register(supervisor.Component{
		Name:  "trap-forwarder",
		Start: func(ctx context.Context) error { go forwarder.Run(); return nil },
		Stop:  func(ctx context.Context) error { forwarder.Stop(); return nil },
	})

	livenessChecker := peerliveness.NewChecker(proxies, zones)
	livenessListener := peerliveness.NewListener(zones)
	sup.Register(supervisor.Component{
		Name:  "peer-liveness-checker",
		Start: func(ctx context.Context) error { go livenessChecker.Run(); return nil },
		Stop:  func(ctx context.Context) error { livenessChecker.Stop(); return nil },
	})
	sup.Register(supervisor.Component{
		Name: "peer-liveness-listener",
		Start: func(ctx context.Context) error {
			go func() {
				if err := livenessListener.Run(ctx); err != nil {
					log.Error("peer liveness listener exited", zap.Error(err))
				}
			}()
			return nil
		},
	})

	tunnels := make([]*tunnel.Tunnel, 0, len(cfg.Tunnels))
	for _, entry := range cfg.Tunnels {
		tCfg := tunnel.Config{
			Hostname:          entry.Hostname,
			Port:              entry.Port,
			CertificateFile:   entry.CertificateFile,
			CertificatePrefix: entry.CertificateHost,
			TrustedRootsPath:  cfg.TrustedRoots,
			PinnedFingerprint: entry.PinnedFingerprint,
			KeepaliveInterval: cfg.KeepaliveInterval,
			DialTimeout:       10 * time.Second,
		}
		identity := tunnel.Identity{ZoneUIN: cfg.ZoneUIN}
		tunnels = append(tunnels, tunnel.New(tCfg, identity, certs, mgr, dispatcher, listener, m))
	}
	for i, t := range tunnels {
		t := t
		sup.Register(supervisor.Component{
			Name:  fmt.Sprintf("tunnel-%d", i),
			Start: func(ctx context.Context) error { go t.Run(ctx); return nil },
		})
	}

	pushListener := ipc.NewPushListener(mgr, log)
	sessionAgentListener := ipc.NewSessionAgentListener(log)
	masterAgentListener := ipc.NewMasterAgentListener(reg, log)
	status := &daemonStatus{manager: mgr, tunnels: tunnels, tunnelHosts: cfg.Tunnels}
	controlServer := ipc.NewControlServer(status, m.Gatherer(), log)

	registerSocketComponent(sup, "push-listener", cfg.LocalIPCSocketPath, log, pushListener.Serve)
	registerSocketComponent(sup, "session-agent-listener", cfg.SessionAgentSocketPath, log, sessionAgentListener.Serve)
	registerSocketComponent(sup, "master-agent-listener", cfg.MasterAgentSocketPath, log, masterAgentListener.Serve)
	registerSocketComponent(sup, "control-server", cfg.ControlSocketPath, log, func(ctx context.Context, ln net.Listener) {
		if err := controlServer.Serve(ctx, ln); err != nil {
			log.Error("control server exited", zap.Error(err))
		}
	})

	return nil
}

// registerSocketComponent binds a Unix socket at path and registers a
// component that hands the listener to serve until the supervisor's
// context is cancelled, closing the listener on Stop. The four IPC
// sockets (push, session-agent, master-agent, control) all share this
// shape, differing only in which Serve method consumes the listener.
func registerSocketComponent(sup *supervisor.Supervisor, name, path string, log *zap.Logger, serve func(ctx context.Context, ln net.Listener)) {
	var ln net.Listener
	sup.Register(supervisor.Component{
		Name: name,
		Start: func(ctx context.Context) error {
			var err error
			ln, err = ipc.ListenUnix(path)
			if err != nil {
				return err
			}
			go serve(ctx, ln)
			return nil
		},
		Stop: func(ctx context.Context) error {
			if ln == nil {
				return nil
			}
			return ln.Close()
		},
	})
}

// bootstrapFromDB loads every persisted table into its in-memory
// cache at startup (§4.7 "data-collection pipeline (if local DB
// available)"), grouping the flat proxy list by server the way
// ProxyMap.Replace expects, and seeding the zone resolver so the
// peer-liveness checker/listener have zone data before their first
// tick.
func bootstrapFromDB(db *store.DB, items *datacollection.ItemMap, proxies *datacollection.ProxyMap, targets *datacollection.SNMPTargetCache, syncStatus *datacollection.SyncStatusMap, zones *zoneResolver) error {
	dcis, err := db.LoadAllDCIs()
	if err != nil {
		return fmt.Errorf("loading data collection items: %w", err)
	}
	items.LoadFrom(dcis)

	proxyRows, err := db.LoadAllProxies()
	if err != nil {
		return fmt.Errorf("loading proxies: %w", err)
	}
	byServer := make(map[uint64][]*store.DataCollectionProxy)
	for _, p := range proxyRows {
		byServer[p.ServerID] = append(byServer[p.ServerID], p)
	}
	for serverID, ps := range byServer {
		proxies.Replace(serverID, ps)
	}

	snmpTargets, err := db.LoadAllSNMPTargets()
	if err != nil {
		return fmt.Errorf("loading SNMP targets: %w", err)
	}
	targets.LoadFrom(snmpTargets)

	syncRows, err := db.LoadAllSyncStatus()
	if err != nil {
		return fmt.Errorf("loading sync status: %w", err)
	}
	syncStatus.LoadFrom(syncRows)

	zoneRows, err := db.LoadAllZoneConfigs()
	if err != nil {
		return fmt.Errorf("loading zone configurations: %w", err)
	}
	zones.loadFrom(zoneRows)

	return nil
}

// zoneResolver answers both peerliveness.ZoneLookup (outbound probes)
// and peerliveness.ZoneByUINAndNode (inbound probes) from the same
// in-memory set of pushed zone configurations, loaded once at startup.
// Zone configurations pushed later are persisted by the config-push
// handler but are not loaded into this resolver until the next start.
type zoneResolver struct {
	mu       sync.RWMutex
	byServer map[uint64]*store.ZoneConfiguration
	proxies  *datacollection.ProxyMap
}

func newZoneResolver(proxies *datacollection.ProxyMap) *zoneResolver {
	return &zoneResolver{byServer: make(map[uint64]*store.ZoneConfiguration), proxies: proxies}
}

func (z *zoneResolver) loadFrom(rows []*store.ZoneConfiguration) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, r := range rows {
		z.byServer[r.ServerID] = r
	}
}

func (z *zoneResolver) ZoneFor(serverID uint64) (*store.ZoneConfiguration, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	zc, ok := z.byServer[serverID]
	return zc, ok
}

func (z *zoneResolver) ZoneByServerAndNode(serverID uint64, thisNodeID uint32) (*store.ZoneConfiguration, bool) {
	zc, ok := z.ZoneFor(serverID)
	if !ok || zc.ThisNodeID != thisNodeID {
		return nil, false
	}
	return zc, true
}

func (z *zoneResolver) IsKnownProxy(serverID uint64, proxyID uint32, remoteAddr string) bool {
	exists, _ := z.proxies.IsConnected(serverID, uint64(proxyID))
	return exists
}

// daemonStatus adapts the running subsystems to ipc.StatusProvider
// for the HTTP control surface's /status endpoint.
type daemonStatus struct {
	manager     *session.Manager
	tunnels     []*tunnel.Tunnel
	tunnelHosts []config.TunnelEntry
}

func (d *daemonStatus) Status() ipc.StatusSnapshot {
	snap := ipc.StatusSnapshot{Sessions: d.manager.Count()}
	for i, t := range d.tunnels {
		hostname := ""
		if i < len(d.tunnelHosts) {
			hostname = d.tunnelHosts[i].Hostname
		}
		snap.Tunnels = append(snap.Tunnels, ipc.TunnelStatus{Hostname: hostname, Connected: t.Connected()})
	}
	return snap
}
