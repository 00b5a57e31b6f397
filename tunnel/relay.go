package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/WaterWhisperer/capsuletun/protocol"
)

// RelaySession serves the public side of one exposed port: it binds the
// public listener and bridges its traffic into the client's mux. TCP
// connections map to streams; UDP peers map to streams whose datagram
// flow carries one capsule per packet.
type RelaySession struct {
	mux        *protocol.Mux
	proto      string // "udp" or "tcp"
	publicPort int
	verbose    bool
}

// NewRelaySession creates a session over an established mux.
func NewRelaySession(mux *protocol.Mux, proto string, publicPort int, verbose bool) *RelaySession {
	return &RelaySession{
		mux:        mux,
		proto:      proto,
		publicPort: publicPort,
		verbose:    verbose,
	}
}

// Run serves the public listener until ctx is done or the mux closes.
func (rs *RelaySession) Run(ctx context.Context) error {
	switch rs.proto {
	case "udp":
		return rs.runUDP(ctx)
	case "tcp":
		return rs.runTCP(ctx)
	default:
		return fmt.Errorf("tunnel: unsupported protocol %q", rs.proto)
	}
}

func (rs *RelaySession) runTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rs.publicPort))
	if err != nil {
		return fmt.Errorf("binding public port %d: %w", rs.publicPort, err)
	}
	defer ln.Close()

	// Unblock Accept when the session ends.
	go func() {
		select {
		case <-ctx.Done():
		case <-rs.mux.Done():
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-rs.mux.Done():
				return nil
			default:
			}
			return fmt.Errorf("accepting public connection: %w", err)
		}

		stream, err := rs.mux.OpenStream(ctx)
		if err != nil {
			conn.Close()
			if err == protocol.ErrMuxClosed {
				return nil
			}
			return fmt.Errorf("opening stream: %w", err)
		}

		go bridgeTCP(conn, stream)
	}
}

// bridgeTCP copies bytes both ways between a public TCP connection and a
// mux stream, closing both when either side ends.
func bridgeTCP(conn net.Conn, stream *protocol.Stream) {
	defer conn.Close()
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()
		_, _ = io.Copy(stream, conn)
	}()

	go func() {
		defer cancel()
		_, _ = io.Copy(conn, stream)
	}()

	<-ctx.Done()
}

func (rs *RelaySession) runUDP(ctx context.Context) error {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: rs.publicPort})
	if err != nil {
		return fmt.Errorf("binding public port %d: %w", rs.publicPort, err)
	}
	defer pc.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-rs.mux.Done():
		}
		pc.Close()
	}()

	var (
		mu    sync.Mutex
		peers = make(map[string]*protocol.Stream)
	)

	buf := make([]byte, 65535)
	for {
		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-rs.mux.Done():
				return nil
			default:
			}
			return fmt.Errorf("reading public datagram: %w", err)
		}

		key := addr.String()
		mu.Lock()
		stream, ok := peers[key]
		mu.Unlock()

		if !ok {
			stream, err = rs.mux.OpenStream(ctx)
			if err != nil {
				if err == protocol.ErrMuxClosed {
					return nil
				}
				return fmt.Errorf("opening stream for %s: %w", key, err)
			}
			mu.Lock()
			peers[key] = stream
			mu.Unlock()

			if rs.verbose {
				fmt.Fprintf(Stderr, "new udp peer %s on stream %d\n", key, stream.ID)
			}

			// Pump replies from the client back to this peer; drop the
			// peer mapping when its stream ends.
			go func(stream *protocol.Stream, addr *net.UDPAddr, key string) {
				defer func() {
					stream.Close()
					mu.Lock()
					delete(peers, key)
					mu.Unlock()
				}()
				for {
					payload, err := stream.Datagrams().ReadDatagram(ctx)
					if err != nil {
						return
					}
					if _, err := pc.WriteToUDP(payload, addr); err != nil {
						return
					}
				}
			}(stream, addr, key)
		}

		// WriteDatagram copies the payload into the capsule encoding, so
		// buf can be reused for the next packet.
		if err := stream.Datagrams().WriteDatagram(buf[:n]); err != nil {
			if rs.verbose {
				fmt.Fprintf(Stderr, "dropping datagram for %s: %v\n", key, err)
			}
		}
	}
}
