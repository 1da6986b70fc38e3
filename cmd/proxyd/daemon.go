package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/user/companion-proxy/bluetooth"
	"github.com/user/companion-proxy/config"
	"github.com/user/companion-proxy/dnssync"
	"github.com/user/companion-proxy/logger"
	"github.com/user/companion-proxy/network"
	"github.com/user/companion-proxy/proxy"
)

const daemonTag = "proxyd"

// daemon wires the proxy peripheral, pinger and network session together
type daemon struct {
	cfgPath string

	mu  sync.Mutex
	cfg config.Config

	manager    *bluetooth.SimManager
	arbiter    *network.SimArbiter
	gatt       *proxy.GattServer
	pinger     *proxy.Pinger
	sessions   *network.SessionManager
	negotiator *proxy.VersionNegotiator

	// set while the companion has an active proxy config
	active atomic.Bool

	// guarded by mu; runCtx is nil outside run
	runCtx        context.Context
	pingerRunning bool
	wg            sync.WaitGroup
}

func newDaemon(cfgPath string, cfg config.Config) (*daemon, error) {
	manager := bluetooth.NewSimManager("proxyd")
	arbiter := network.NewSimArbiter()
	arbiter.RevokeOnUnregister = true

	sessions, err := network.NewSessionManager(arbiter, network.NewLinkPropertiesBuilder(cfg.LocalEdition), cfg.NetworkScore)
	if err != nil {
		return nil, err
	}

	gatt := proxy.NewGattServer("proxyd", manager)
	d := &daemon{
		cfgPath:  cfgPath,
		cfg:      cfg,
		manager:  manager,
		arbiter:  arbiter,
		gatt:     gatt,
		pinger:   proxy.NewPinger(gatt),
		sessions: sessions,
		negotiator: proxy.NewVersionNegotiator(cfg.PropertySource(),
			proxy.DefaultVersionCandidates(cfg.EnableL2capGatt, cfg.EnableL2cap)),
	}
	return d, nil
}

func (d *daemon) config() config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// run serves until ctx is done
func (d *daemon) run(ctx context.Context) error {
	d.bind(ctx)
	cfg := d.config()
	preflightInterface(cfg.InterfaceName, cfg.MTU)

	peerUUIDs, _ := cfg.PeerServiceUUIDs()
	version := d.negotiator.Negotiate(peerUUIDs)
	logger.Info(daemonTag, "Proxy protocol version %d (service %s)", version.Code, version.ServiceUUID)

	if cfg.CompanionAddress != "" {
		d.gatt.SetCompanionDevice(&bluetooth.BluetoothDevice{Name: cfg.CompanionName, Address: cfg.CompanionAddress})
	} else {
		logger.Warn(daemonTag, "No companion address configured, all requests will be rejected")
	}
	d.gatt.SetListener(proxy.ConfigListenerFunc(d.onProxyConfigUpdate))

	d.sessions.SetCompanionName(cfg.CompanionName)
	d.sessions.SetMetered(cfg.Metered)

	if !d.gatt.Start() {
		return errors.New("unable to start proxy GATT server")
	}

	spawn := func(fn func()) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			fn()
		}()
	}

	spawn(func() {
		if err := dnssync.Watch(ctx, cfg.ResolvPath, dnssync.DefaultDebounce, d.sessions.SetDNSServers); err != nil {
			logger.Error(daemonTag, "DNS sync disabled: %v", err)
		}
	})
	spawn(func() {
		if err := config.Watch(ctx, d.cfgPath, d.applyConfig); err != nil {
			logger.Error(daemonTag, "Config reload disabled: %v", err)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/bridge", bluetooth.NewBridge(d.manager))
	mux.HandleFunc("/debug/session", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		d.sessions.Dump(w)
		fmt.Fprintf(w, "gatt started:\t%v\nsubscribed:\t%v\nmin ping interval:\t%v\n",
			d.gatt.IsStarted(), d.gatt.IsSubscribed(), d.pinger.MinPingInterval())
	})
	srv := &http.Server{Addr: cfg.BridgeListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	spawn(func() {
		logger.Info(daemonTag, "🌐 Bridge listening on %s", cfg.BridgeListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(daemonTag, "Bridge server failed: %v", err)
		}
	})

	<-ctx.Done()
	logger.Info(daemonTag, "Shutting down")

	d.active.Store(false)
	d.sessions.StopNetworkSession(network.ReasonDisconnected)
	d.gatt.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	d.bind(nil)
	d.wg.Wait()
	d.sessions.Close()
	return nil
}

// onProxyConfigUpdate plays the proxy connection establisher: it arms the
// pinger and brings the network session up
func (d *daemon) onProxyConfigUpdate(psmValue, channelChangeID, minPingIntervalSeconds int32) {
	logger.Info(daemonTag, "📥 Proxy config psm=%d channelChangeId=%d minPing=%ds", psmValue, channelChangeID, minPingIntervalSeconds)

	d.pinger.SetMinPingInterval(time.Duration(minPingIntervalSeconds) * time.Second)
	d.armPinger()
	d.active.Store(true)

	cfg := d.config()
	d.sessions.StartNetworkSession(network.ReasonConnected, cfg.InterfaceName, cfg.MTU,
		network.SessionListenerFunc(d.onNetworkAgentUnwanted))
}

func (d *daemon) bind(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runCtx = ctx
}

// armPinger starts the ping loop on the first config from the companion
func (d *daemon) armPinger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pingerRunning || d.runCtx == nil {
		return
	}
	d.pingerRunning = true

	ctx, period := d.runCtx, d.cfg.PingCheckPeriod()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logger.Info(daemonTag, "🏓 Pinger armed, checking every %v", period)
		d.pinger.Run(ctx, period)
	}()
}

func (d *daemon) isPingerRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingerRunning
}

// onNetworkAgentUnwanted runs on the session loop
func (d *daemon) onNetworkAgentUnwanted(netID int) {
	if !d.active.Load() {
		logger.Info(daemonTag, "Network %d released", netID)
		return
	}
	logger.Info(daemonTag, "Network %d unwanted while companion is connected, restarting session", netID)
	cfg := d.config()
	d.sessions.StartNetworkSession(network.ReasonWasConnected, cfg.InterfaceName, cfg.MTU,
		network.SessionListenerFunc(d.onNetworkAgentUnwanted))
}

func (d *daemon) applyConfig(next config.Config) {
	d.mu.Lock()
	prev := d.cfg
	d.cfg = next
	d.mu.Unlock()

	if next.CompanionAddress != prev.CompanionAddress || next.CompanionName != prev.CompanionName {
		if next.CompanionAddress == "" {
			d.gatt.SetCompanionDevice(nil)
		} else {
			d.gatt.SetCompanionDevice(&bluetooth.BluetoothDevice{Name: next.CompanionName, Address: next.CompanionAddress})
		}
		d.sessions.SetCompanionName(next.CompanionName)
	}
	d.sessions.SetNetworkScore(next.NetworkScore)
	d.sessions.SetMetered(next.Metered)
	logger.SetLevel(logger.ParseLevel(next.LogLevel))
}

// preflightInterface logs whether the proxy interface exists on this host
func preflightInterface(name string, mtu int) {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		logger.Warn(daemonTag, "Unable to list interfaces: %v", err)
		return
	}
	for _, iface := range ifaces {
		if iface.Name != name {
			continue
		}
		if iface.MTU != mtu {
			logger.Warn(daemonTag, "Interface %s has MTU %d, proxy link will advertise %d", name, iface.MTU, mtu)
		} else {
			logger.Debug(daemonTag, "Interface %s found (flags %v)", name, iface.Flags)
		}
		return
	}
	logger.Warn(daemonTag, "Interface %s not found on this host", name)
}
