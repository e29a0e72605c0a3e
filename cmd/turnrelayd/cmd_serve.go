package main

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nullharbor/turnrelayd/internal/auth"
	"github.com/nullharbor/turnrelayd/internal/config"
	"github.com/nullharbor/turnrelayd/internal/eventloop"
	"github.com/nullharbor/turnrelayd/internal/ioworker"
	"github.com/nullharbor/turnrelayd/internal/portal"
	"github.com/nullharbor/turnrelayd/internal/relay"
)

var serveRngSeed int64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TURN relay",
	Long: `Start the relay: bind the client-facing STUN/TURN socket, accept
allocations, forward authorized peer traffic, and (if portal.token is
configured) connect to the remote portal for activation and lifecycle
reporting.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int64Var(&serveRngSeed, "rng-seed", 0, "seed all randomness deterministically (debug builds only)")
}

func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(resolvedConfigPath())
	if err != nil {
		return err
	}
	config.ApplyEnvOverrides(cfg)
	if serveRngSeed != 0 {
		cfg.Relay.RngSeed = serveRngSeed
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	publicAddr, err := parseIPStack(cfg.Network.PublicIP4Addr, cfg.Network.PublicIP6Addr)
	if err != nil {
		return err
	}

	secret, err := config.DecodeAuthSecret(cfg.Relay.AuthSecret)
	if err != nil {
		return err
	}

	rng := newRNG(cfg.Relay.RngSeed)
	authenticator := auth.New(secret)
	metrics := relay.NewMetrics()
	server := relay.NewServer(relay.Config{
		PublicAddr:  publicAddr,
		LowestPort:  cfg.Relay.LowestPort,
		HighestPort: cfg.Relay.HighestPort,
	}, authenticator, rng, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := ioworker.NewDialer()
	clientInput := make(chan ioworker.Inbound, 10)
	outboundV4 := make(chan ioworker.Outbound, 10)
	outboundV6 := make(chan ioworker.Outbound, 10)

	errCh := make(chan error, 4)
	for _, fam := range publicAddr.Families() {
		family, outbound := "v4", outboundV4
		if fam == relay.V6 {
			family, outbound = "v6", outboundV6
		}
		go func(family string, outbound chan ioworker.Outbound) {
			errCh <- fmt.Errorf("client socket (%s) pump: %w", family, ioworker.PumpClientSocket(ctx, dialer, family, cfg.Network.ClientPort, clientInput, outbound))
		}(family, outbound)
	}

	var portalEvents <-chan portal.Event
	waitForInit := false
	if cfg.Portal.Token != "" {
		portalURL, err := portalWebsocketURL(cfg)
		if err != nil {
			return err
		}
		client := portal.NewClient(portal.ClientConfig{
			ServerURL:         portalURL,
			Token:             cfg.Portal.Token,
			StampSecret:       cfg.Relay.AuthSecret,
			HeartbeatInterval: time.Duration(cfg.Portal.HeartbeatSeconds) * time.Second,
			Logger:            globalLogger,
			Reconnect: portal.ReconnectConfig{
				Enabled:      true,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
			},
		})
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to portal: %w", err)
		}
		defer client.Close()
		portalEvents = client.Events()
		waitForInit = true
	}

	loop := eventloop.New(eventloop.Config{
		Server:       server,
		Dialer:       dialer,
		ClientInput:  clientInput,
		OutboundV4:   outboundV4,
		OutboundV6:   outboundV6,
		PortalEvents: portalEvents,
		Logger:       globalLogger,
		WaitForInit:  waitForInit,
	})

	globalLogger.Info("starting turnrelayd", "config", resolvedConfigPath(), "public_addr4", cfg.Network.PublicIP4Addr, "public_addr6", cfg.Network.PublicIP6Addr)

	go func() { errCh <- loop.Run(ctx) }()

	err = <-errCh
	if ctx.Err() != nil {
		globalLogger.Info("shutting down")
		return nil
	}
	return err
}

// portalWebsocketURL builds <portal_ws_url>/relay/websocket?ipv4=…&ipv6=…
// The bearer token itself travels as an Authorization header
// (internal/portal.Client) rather than a query parameter.
func portalWebsocketURL(cfg *config.Config) (string, error) {
	u, err := url.Parse(cfg.Portal.WSURL)
	if err != nil {
		return "", fmt.Errorf("parsing portal.ws_url %q: %w", cfg.Portal.WSURL, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay/websocket"
	q := u.Query()
	if cfg.Network.PublicIP4Addr != "" {
		q.Set("ipv4", cfg.Network.PublicIP4Addr)
	}
	if cfg.Network.PublicIP6Addr != "" {
		q.Set("ipv6", cfg.Network.PublicIP6Addr)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseIPStack(v4, v6 string) (relay.IpStack, error) {
	var stack relay.IpStack
	if v4 != "" {
		addr, err := netip.ParseAddr(v4)
		if err != nil {
			return stack, fmt.Errorf("parsing network.public_ip4_addr %q: %w", v4, err)
		}
		stack.V4 = addr
	}
	if v6 != "" {
		addr, err := netip.ParseAddr(v6)
		if err != nil {
			return stack, fmt.Errorf("parsing network.public_ip6_addr %q: %w", v6, err)
		}
		stack.V6 = addr
	}
	return stack, nil
}
