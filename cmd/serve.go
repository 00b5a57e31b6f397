package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"github.com/WaterWhisperer/capsuletun/protocol"
	"github.com/WaterWhisperer/capsuletun/tunnel"
	"github.com/spf13/cobra"
)

const pingInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		listen string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a capsuletun relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			handler := http.NewServeMux()
			handler.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
				serveTunnel(w, r, token)
			})

			srv := &http.Server{Addr: listen, Handler: handler}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			fmt.Printf("capsuletun relay listening on %s\n", listen)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("relay server: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8787", "address for the relay WebSocket endpoint")
	cmd.Flags().StringVar(&token, "token", "", "shared secret clients must present")

	return cmd
}

// serveTunnel upgrades one expose client's connection and runs its relay
// session until the client disconnects.
func serveTunnel(w http.ResponseWriter, r *http.Request, token string) {
	q := r.URL.Query()

	if token != "" && q.Get("token") != token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	proto := q.Get("proto")
	if proto != "udp" && proto != "tcp" {
		http.Error(w, "proto must be udp or tcp", http.StatusBadRequest)
		return
	}

	port, err := strconv.Atoi(q.Get("port"))
	if err != nil || port < 1 || port > 65535 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		if flagVerbose {
			fmt.Fprintf(os.Stderr, "websocket accept: %v\n", err)
		}
		return
	}
	conn.SetReadLimit(protocol.MaxPayloadSize + 1024)

	fmt.Printf("client %s exposing %s port %d\n", r.RemoteAddr, proto, port)

	mux := protocol.NewMux(conn, true)
	defer mux.Close()

	// Heartbeat so half-dead clients are noticed.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := mux.SendPing(r.Context()); err != nil {
					return
				}
			case <-mux.Done():
				return
			}
		}
	}()

	sess := tunnel.NewRelaySession(mux, proto, port, flagVerbose)
	if err := sess.Run(r.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "session for %s: %v\n", r.RemoteAddr, err)
	}

	fmt.Printf("client %s disconnected\n", r.RemoteAddr)
}
