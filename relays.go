package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"udptunnel/api"
	"udptunnel/bridge"
	"udptunnel/config"
	"udptunnel/connections"
	"udptunnel/limiter"
	"udptunnel/status"
	"udptunnel/utils"

	"golang.org/x/sync/errgroup"
)

var monitorInterval = 15 * time.Second

type relay interface {
	Run(ctx context.Context) error
	Close() error
}

// closeRelays releases the sockets of relays that were built but never run.
func closeRelays(relays []relay) {
	for _, r := range relays {
		r.Close()
	}
}

func newLimiter(limit config.SizeString) *limiter.Limiter {
	if limit <= 0 {
		return nil
	}
	return limiter.New(int64(limit))
}

// buildRelays creates every configured relay and binds its socket, so that a
// bind failure is reported before anything starts forwarding. On error the
// relays bound so far are closed again.
func buildRelays(cfg *config.TunnelConfig, monitor *status.ConnectionMonitor) (_ []relay, _ []connections.Transport, err error) {
	var (
		relays     []relay
		transports []connections.Transport
	)
	defer func() {
		if err != nil {
			closeRelays(relays)
		}
	}()
	for _, cl := range cfg.Clients {
		tr, err := connections.New(cl.Transport, connections.Options{InterfaceName: cl.InterfaceName})
		if err != nil {
			return nil, transports, fmt.Errorf("client %s: %w", cl.Name, err)
		}
		transports = append(transports, tr)
		cb := bridge.NewClientBridge(bridge.ClientOptions{
			Name:          cl.Name,
			ListenAddress: cl.ListenAddress,
			ServerAddress: cl.ServerAddress,
			IdleTimeout:   cl.IdleTimeout.Duration(),
			DialTimeout:   cl.DialTimeout.Duration(),
			Transport:     tr,
			Limiter:       newLimiter(cl.BandwidthLimit),
			Monitor:       monitor,
		})
		if err = cb.Start(); err != nil {
			return nil, transports, fmt.Errorf("client %s: %w", cl.Name, err)
		}
		relays = append(relays, cb)
	}
	for _, sv := range cfg.Servers {
		tr, err := connections.New(sv.Transport, connections.Options{InterfaceName: sv.InterfaceName})
		if err != nil {
			return nil, transports, fmt.Errorf("server %s: %w", sv.Name, err)
		}
		transports = append(transports, tr)
		sb := bridge.NewServerBridge(bridge.ServerOptions{
			Name:               sv.Name,
			ListenAddress:      sv.ListenAddress,
			TargetAddress:      sv.TargetAddress,
			Transport:          tr,
			Limiter:            newLimiter(sv.BandwidthLimit),
			AllowedInAddresses: sv.AllowedInAddresses,
			Monitor:            monitor,
		})
		if err = sb.Listen(); err != nil {
			return nil, transports, fmt.Errorf("server %s: %w", sv.Name, err)
		}
		relays = append(relays, sb)
	}
	return relays, transports, nil
}

// runTunnel runs every relay in cfg until ctx is cancelled or one of them
// fails.
func runTunnel(ctx context.Context, cfg *config.TunnelConfig) error {
	closer := utils.SetupLogging(cfg.GlobalLog)
	defer closer.Close()

	log.Printf("udptunnel %s starting: %d client(s), %d server(s)", Version, len(cfg.Clients), len(cfg.Servers))

	monitor := status.GlobalConnMonitorRef
	relays, transports, err := buildRelays(cfg, monitor)
	defer func() {
		for _, tr := range transports {
			tr.Close()
		}
	}()
	if err != nil {
		return err
	}

	if cfg.API != nil && cfg.API.ListenAddress != "" {
		srv := api.NewServer(monitor, nil, cfg.API.ListenAddress)
		if err := srv.Start(); err != nil {
			closeRelays(relays)
			return fmt.Errorf("api: %w", err)
		}
		defer srv.Stop()
	}

	stopMonitor := make(chan struct{})
	defer close(stopMonitor)
	monitor.StartPeriodicLogging(monitorInterval, stopMonitor)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range relays {
		g.Go(func() error { return r.Run(gctx) })
	}
	err = g.Wait()
	log.Printf("udptunnel stopped")
	return err
}
