package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/WaterWhisperer/capsuletun/display"
	"github.com/WaterWhisperer/capsuletun/protocol"
	"github.com/WaterWhisperer/capsuletun/tunnel"
	"github.com/spf13/cobra"
)

func newExposeCmd() *cobra.Command {
	var (
		publicPort  int
		localHost   string
		token       string
		noReconnect bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "expose <protocol> <port>",
		Short: "Expose a local port through the relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto := strings.ToLower(args[0])
			if proto != "udp" && proto != "tcp" {
				fmt.Fprintln(os.Stderr, "Invalid protocol. Must be 'udp' or 'tcp'.")
				os.Exit(1)
			}

			port, err := strconv.Atoi(args[1])
			if err != nil || port < 1 || port > 65535 {
				fmt.Fprintln(os.Stderr, "Invalid port number. Port must be between 1 and 65535.")
				os.Exit(1)
			}

			if publicPort == 0 {
				publicPort = port
			}
			if localHost == "" {
				localHost = cliCfg.DefaultLocalHost
			}

			wsURL, err := exposeURL(cliCfg.RelayURL, proto, publicPort, token)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid relay URL: %v\n", err)
				os.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			conn, err := tunnel.DialRelay(ctx, wsURL)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to connect to relay: %v\n", err)
				os.Exit(2)
			}

			if jsonOutput {
				display.PrintJSON(os.Stdout, map[string]any{
					"relay_url":    cliCfg.RelayURL,
					"protocol":     proto,
					"public_port":  publicPort,
					"local_host":   localHost,
					"local_port":   port,
					"connected_at": time.Now().Format(time.RFC3339),
				})
			} else {
				fmt.Println("Tunnel established successfully.")
				fmt.Println()
				fmt.Printf("  Relay:         %s\n", cliCfg.RelayURL)
				fmt.Printf("  Protocol:      %s\n", proto)
				fmt.Printf("  Public port:   %d\n", publicPort)
				fmt.Printf("  Local target:  %s:%d\n", localHost, port)
				fmt.Println()
				fmt.Println("Press Ctrl+C to stop the tunnel.")
			}

			return runTunnelLoop(conn, wsURL, localHost, port, proto, noReconnect, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&publicPort, "public-port", 0, "public port to request on the relay (default: same as <port>)")
	cmd.Flags().StringVar(&localHost, "local-host", "", "local hostname to forward to (default: 127.0.0.1)")
	cmd.Flags().StringVar(&token, "token", "", "shared secret expected by the relay")
	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "disable automatic reconnection on disconnect")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output tunnel metadata as JSON")

	return cmd
}

// exposeURL builds the relay WebSocket URL with the exposure parameters
// as query values.
func exposeURL(relayURL, proto string, publicPort int, token string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("proto", proto)
	q.Set("port", strconv.Itoa(publicPort))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func runTunnelLoop(
	conn *websocket.Conn,
	wsURL string,
	localHost string,
	localPort int,
	proto string,
	noReconnect bool,
	jsonOutput bool,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		mux := protocol.NewMux(conn, false)

		// The relay sends pings; the mux automatically replies with pongs
		// via handlePing in readLoop. We just register a pong callback for
		// logging in verbose mode.
		if flagVerbose {
			mux.OnPong(func() {
				fmt.Fprintln(os.Stderr, "heartbeat: pong received")
			})
		}

		// Accept streams until mux closes or we are interrupted.
		exitCode := acceptStreams(ctx, mux, localHost, localPort, proto)

		if exitCode == 0 {
			conn.Close(websocket.StatusNormalClosure, "client shutdown")
			mux.Close()
			if !jsonOutput {
				in, out := tunnel.Stats()
				fmt.Printf("Tunnel closed. %s received, %s sent.\n",
					display.FormatBytes(in), display.FormatBytes(out))
			}
			return nil
		}

		mux.Close()

		// Connection lost.
		if noReconnect || (cliCfg.AutoReconnect != nil && !*cliCfg.AutoReconnect) {
			fmt.Fprintln(os.Stderr, "Connection lost. Reconnection disabled.")
			os.Exit(2)
		}

		// Attempt reconnection.
		newConn, err := tunnel.Reconnect(ctx, wsURL, flagVerbose)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Unable to reconnect. Tunnel terminated.")
			os.Exit(2)
		}
		conn = newConn
	}
}

// acceptStreams accepts streams from the mux and forwards them.
// Returns 0 for graceful shutdown, 2 for connection loss.
func acceptStreams(ctx context.Context, mux *protocol.Mux, localHost string, localPort int, proto string) int {
	for {
		stream, err := mux.AcceptStream(ctx)
		if err != nil {
			// Check if it's a context cancellation (SIGINT).
			select {
			case <-ctx.Done():
				return 0
			default:
			}
			// Mux closed: connection lost.
			return 2
		}

		switch proto {
		case "udp":
			go tunnel.ForwardUDP(stream, localHost, localPort, flagVerbose)
		case "tcp":
			go tunnel.ForwardTCP(stream, localHost, localPort, flagVerbose)
		}
	}
}
