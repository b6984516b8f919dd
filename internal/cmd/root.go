// SPDX-License-Identifier: AGPL-3.0-or-later
// hwmgr - distributed hardware cluster membership and liveness manager
// Copyright (C) 2024 anshulthakur

// Package cmd wires every subsystem package into the running process:
// config load, logging, metrics, transport sockets, the two protocol
// handlers, the HA resolver, the maintenance sweeper, and the Main Loop.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anshulthakur/hwmgr/internal/cluster"
	"github.com/anshulthakur/hwmgr/internal/config"
	"github.com/anshulthakur/hwmgr/internal/ha"
	"github.com/anshulthakur/hwmgr/internal/logging"
	"github.com/anshulthakur/hwmgr/internal/mainloop"
	"github.com/anshulthakur/hwmgr/internal/maint"
	"github.com/anshulthakur/hwmgr/internal/metrics"
	"github.com/anshulthakur/hwmgr/internal/model"
	"github.com/anshulthakur/hwmgr/internal/node"
	"github.com/anshulthakur/hwmgr/internal/notify"
	"github.com/anshulthakur/hwmgr/internal/sub"
	"github.com/anshulthakur/hwmgr/internal/timer"
	"github.com/anshulthakur/hwmgr/internal/transport"
)

// maintSweepInterval is how often the notification/subscription GC pass
// runs; the configuration schema has no field for it, so it is fixed here.
const maintSweepInterval = 5 * time.Second

// shutdownTimeout bounds how long graceful shutdown waits for every
// subsystem to stop before giving up and exiting anyway.
const shutdownTimeout = 10 * time.Second

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hwmgr",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	cmd.Flags().StringP("config", "c", "/etc/hwmgr/hwmgr.xml", "path to the instance XML configuration file")
	cmd.Flags().String("log-level", string(logging.LevelInfo), "log level: debug, info, warn, or error")
	cmd.Flags().String("metrics-addr", ":9090", "address the Prometheus metrics server listens on")

	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("hwmgr - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("reading config flag: %w", err)
	}
	logLevelStr, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return fmt.Errorf("reading log-level flag: %w", err)
	}
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return fmt.Errorf("reading metrics-addr flag: %w", err)
	}

	level, err := logging.ParseLevel(logLevelStr)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logging.Setup(level, doc.Instance.Index)

	m := metrics.NewMetrics()
	metricsSrv := metrics.NewServer(m, metricsAddr)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	registry := model.NewRegistry(doc.Instance.Index)
	subs := sub.NewEngine()
	timers := timer.NewService()
	transp := transport.NewService()
	notif := notify.NewEngine(subs, transp, doc.Instance.Index)

	doc.Bootstrap(registry, subs)

	beaconH, peerListenH, peerListenPort, nodeListenH, err := openSockets(ctx, doc, transp)
	if err != nil {
		return fmt.Errorf("opening sockets: %w", err)
	}

	clusterH := cluster.NewHandler(registry, transp, timers, subs, notif, doc.Instance.Index)
	clusterH.BindSockets(beaconH, peerListenH, peerListenPort)

	resolver := ha.NewResolver(registry, notif)
	clusterH.SetHAResolver(resolver)

	nodeH := node.NewHandler(registry, transp, timers, subs, notif, clusterH, doc.Instance.Index)
	nodeH.BindListen(nodeListenH)

	sweeper, err := maint.New(subs, notif, maintSweepInterval)
	if err != nil {
		return fmt.Errorf("creating maintenance sweeper: %w", err)
	}
	sweeper.Start()

	loop := mainloop.New(transp, timers, clusterH, nodeH, beaconH)
	if hb, ok := doc.Instance.Heartbeat(config.HeartbeatScopeCluster); ok {
		loop.StartClusterBeacon(hb.Period.Millis())
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	go loop.Run(loopCtx)

	shutdown(loopCtx, cancelLoop, sweeper, metricsSrv, transp, []transport.Handle{beaconH, peerListenH, nodeListenH})
	return nil
}

// ErrMissingClusterMulticastAddress indicates the config has no
// local/cluster/mcast address for the beacon channel.
var ErrMissingClusterMulticastAddress = errors.New("config: no local cluster multicast address configured")

// ErrMissingClusterTCPAddress indicates the config has no
// local/cluster/tcp address for the peer-protocol listener.
var ErrMissingClusterTCPAddress = errors.New("config: no local cluster TCP address configured")

// ErrMissingNodeTCPAddress indicates the config has no local/node/tcp
// address for the node-protocol listener.
var ErrMissingNodeTCPAddress = errors.New("config: no local node TCP address configured")

// openSockets binds every socket the Main Loop and its two protocol
// handlers need: the multicast beacon channel, the peer-protocol TCP
// listener, and the node-protocol TCP listener.
func openSockets(ctx context.Context, doc *config.Document, transp *transport.Service) (beaconH, peerListenH transport.Handle, peerListenPort uint32, nodeListenH transport.Handle, err error) {
	beaconAddr, ok := doc.Instance.AddressFor(config.AddressRoleLocal, config.AddressScopeCluster, config.TransportProtoMulticast)
	if !ok {
		return 0, 0, 0, 0, ErrMissingClusterMulticastAddress
	}
	beaconH, err = transp.Open(ctx, transport.UDPMulticastJoin, net.JoinHostPort(beaconAddr.IP, fmt.Sprint(beaconAddr.Port)))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("joining beacon multicast group: %w", err)
	}

	peerAddr, ok := doc.Instance.AddressFor(config.AddressRoleLocal, config.AddressScopeCluster, config.TransportProtoTCP)
	if !ok {
		return 0, 0, 0, 0, ErrMissingClusterTCPAddress
	}
	peerListenH, err = transp.Open(ctx, transport.TCPListen, net.JoinHostPort(peerAddr.IP, fmt.Sprint(peerAddr.Port)))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("opening peer listen socket: %w", err)
	}

	nodeAddr, ok := doc.Instance.AddressFor(config.AddressRoleLocal, config.AddressScopeNode, config.TransportProtoTCP)
	if !ok {
		return 0, 0, 0, 0, ErrMissingNodeTCPAddress
	}
	nodeListenH, err = transp.Open(ctx, transport.TCPListen, net.JoinHostPort(nodeAddr.IP, fmt.Sprint(nodeAddr.Port)))
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("opening node listen socket: %w", err)
	}

	return beaconH, peerListenH, uint32(peerAddr.Port), nodeListenH, nil
}

// shutdown blocks until ctx is cancelled by a terminating signal, then
// stops every subsystem concurrently and waits up to shutdownTimeout
// before giving up.
func shutdown(ctx context.Context, cancelLoop context.CancelFunc, sweeper *maint.Sweeper, metricsSrv *metrics.Server, transp *transport.Service, sockets []transport.Handle) {
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	<-sigCtx.Done()

	slog.Warn("shutting down")
	cancelLoop()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Stop(); err != nil {
			slog.Error("failed to stop maintenance sweeper", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			slog.Error("failed to stop metrics server", "error", err)
		}
	}()

	for _, h := range sockets {
		transp.Close(h)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		slog.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out")
		os.Exit(1)
	}
}
