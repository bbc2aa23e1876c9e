// Command udptunnel carries UDP datagrams over a stream connection (TCP,
// QUIC or WebSocket) so UDP protocols can cross networks that only let
// streams through.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"udptunnel/config"
	"udptunnel/probe"

	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "udptunnel",
		Short: "Tunnel UDP datagrams over a stream transport",
		Long: `udptunnel forwards UDP traffic (a WireGuard link, for example) over a
TCP, QUIC or WebSocket connection.

Run "udptunnel server" next to the UDP service and "udptunnel client" next to
the application; point the application at the client's local port.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(echoCmd())
	rootCmd.AddCommand(pingCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// commonFlags are shared by the single-relay commands.
type commonFlags struct {
	transport     string
	interfaceName string
	bandwidth     string
	apiAddr       string
	logFile       string
	verbose       bool
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.transport, "transport", config.TransportTCP, "Stream transport: tcp, quic or ws")
	cmd.Flags().StringVar(&f.interfaceName, "interface", "", "Bind stream sockets to this network interface (Linux only)")
	cmd.Flags().StringVar(&f.bandwidth, "bandwidth", "0", "Stream bandwidth limit in bytes/s, e.g. 10MB (0 = unlimited)")
	cmd.Flags().StringVar(&f.apiAddr, "api", "", "Serve the status API and /metrics on this address")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "Write logs to this file with rotation instead of stderr")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log every forwarded datagram")
}

func (f *commonFlags) apply(cfg *config.TunnelConfig) error {
	if f.apiAddr != "" {
		cfg.API = &config.APIConfig{ListenAddress: f.apiAddr}
	}
	cfg.GlobalLog = &config.GlobalLogConfig{Filename: f.logFile, Verbose: f.verbose}
	cfg.SetDefaults()
	return cfg.Validate()
}

type clientFlags struct {
	commonFlags
	port        int
	server      string
	timeoutSecs int
	dialTimeout time.Duration
}

func (f *clientFlags) config() (*config.TunnelConfig, error) {
	limit, err := config.ParseSize(f.bandwidth)
	if err != nil {
		return nil, fmt.Errorf("--bandwidth: %w", err)
	}
	if f.timeoutSecs <= 0 {
		return nil, fmt.Errorf("--timeout must be positive, got %d", f.timeoutSecs)
	}
	cfg := &config.TunnelConfig{
		Clients: []config.ClientConfig{{
			Name:           "client",
			ListenAddress:  net.JoinHostPort("127.0.0.1", strconv.Itoa(f.port)),
			ServerAddress:  f.server,
			IdleTimeout:    config.DurationString(time.Duration(f.timeoutSecs) * time.Second),
			DialTimeout:    config.DurationString(f.dialTimeout),
			Transport:      f.transport,
			InterfaceName:  f.interfaceName,
			BandwidthLimit: limit,
		}},
	}
	if err := f.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func clientCmd() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Forward a local UDP port to a tunnel server",
		Long: `Listen for UDP datagrams on 127.0.0.1:PORT and forward them to the tunnel
server. The stream connection is opened on the first datagram and closed
after --timeout seconds without traffic. Replies go to the most recent local
sender.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runTunnel(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&f.port, "port", "p", 51820, "Local UDP port to listen on (127.0.0.1)")
	cmd.Flags().StringVarP(&f.server, "server", "s", "", "Tunnel server address (host:port, or ws:// URL for --transport ws)")
	cmd.Flags().IntVarP(&f.timeoutSecs, "timeout", "t", 30, "Close the stream after this many idle seconds")
	cmd.Flags().DurationVar(&f.dialTimeout, "dial-timeout", config.DefaultDialTimeout, "Give up connecting to the server after this long")
	_ = cmd.MarkFlagRequired("server")
	f.register(cmd)

	return cmd
}

type serverFlags struct {
	commonFlags
	address string
	target  string
	allow   []string
}

func (f *serverFlags) config() (*config.TunnelConfig, error) {
	limit, err := config.ParseSize(f.bandwidth)
	if err != nil {
		return nil, fmt.Errorf("--bandwidth: %w", err)
	}
	cfg := &config.TunnelConfig{
		Servers: []config.ServerConfig{{
			Name:               "server",
			ListenAddress:      f.address,
			TargetAddress:      f.target,
			Transport:          f.transport,
			InterfaceName:      f.interfaceName,
			BandwidthLimit:     limit,
			AllowedInAddresses: f.allow,
		}},
	}
	if err := f.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serverCmd() *cobra.Command {
	var f serverFlags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept tunnel connections and forward them to a UDP target",
		Long: `Accept stream connections and give each one its own UDP socket connected
to --target. Sessions are independent: one failing never affects another.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runTunnel(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&f.address, "address", "a", config.DefaultServerListenAddress, "Address to accept tunnel connections on")
	cmd.Flags().StringVarP(&f.target, "target", "t", config.DefaultTargetAddress, "UDP address every session forwards to")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only accept tunnel connections from these IPs (repeatable)")
	f.register(cmd)

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every relay in a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signalContext()
			defer stop()
			return runTunnel(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./udptunnel.yml", "Path to configuration file")

	return cmd
}

func echoCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a UDP echo service to test a tunnel against",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := probe.ListenEcho(listen)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return e.Serve(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", config.DefaultTargetAddress, "UDP address to echo on")

	return cmd
}

func pingCmd() *cobra.Command {
	var opts probe.PingOptions

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send sequenced datagrams through a tunnel and report loss and RTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			log.Printf("PING: %d datagrams of %d bytes to %s", opts.Count, opts.Size, opts.Addr)
			res, err := probe.Ping(ctx, opts)
			fmt.Println(res)
			if err != nil {
				return err
			}
			if res.Received == 0 {
				return fmt.Errorf("no replies from %s", opts.Addr)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Addr, "addr", "a", config.DefaultClientListenAddress, "UDP address to ping (usually the tunnel client)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 5, "Number of datagrams")
	cmd.Flags().IntVarP(&opts.Size, "size", "s", 64, "Datagram size in bytes")
	cmd.Flags().DurationVarP(&opts.Interval, "interval", "i", 200*time.Millisecond, "Delay between datagrams")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Second, "Wait this long for late replies")

	return cmd
}
