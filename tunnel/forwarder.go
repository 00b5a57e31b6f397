package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/WaterWhisperer/capsuletun/protocol"
)

const localDialTimeout = 5 * time.Second

// Stderr is the writer used for warnings and verbose output.
// It defaults to os.Stderr but can be replaced for testing.
var Stderr io.Writer = os.Stderr

// bytesIn counts bytes received from the tunnel and delivered locally;
// bytesOut counts bytes sent into the tunnel.
var (
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
)

// Stats returns the total bytes forwarded in each direction since start.
func Stats() (in, out int64) {
	return bytesIn.Load(), bytesOut.Load()
}

// ForwardTCP performs bidirectional byte copying between the stream and the
// local TCP server.
func ForwardTCP(stream *protocol.Stream, localHost string, localPort int, verbose bool) {
	defer stream.Close()

	target := net.JoinHostPort(localHost, fmt.Sprintf("%d", localPort))

	conn, err := net.DialTimeout("tcp", target, localDialTimeout)
	if err != nil {
		fmt.Fprintf(Stderr, "Warning: Connection to %s refused. Is your application running?\n", target)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()
		n, _ := io.Copy(stream, conn)
		bytesOut.Add(n)
	}()

	go func() {
		defer cancel()
		n, _ := io.Copy(conn, stream)
		bytesIn.Add(n)
	}()

	<-ctx.Done()
}

// ForwardUDP bridges a stream's datagram flow and the local UDP server:
// datagrams arriving from the tunnel are written to the local socket, and
// replies from the local socket go back into the tunnel, one datagram per
// capsule.
func ForwardUDP(stream *protocol.Stream, localHost string, localPort int, verbose bool) {
	defer stream.Close()

	target := net.JoinHostPort(localHost, fmt.Sprintf("%d", localPort))

	conn, err := net.Dial("udp", target)
	if err != nil {
		fmt.Fprintf(Stderr, "Warning: Cannot reach %s. Is your application running?\n", target)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tunnel -> local.
	go func() {
		defer cancel()
		for {
			payload, err := stream.Datagrams().ReadDatagram(ctx)
			if err != nil {
				if verbose && err != io.EOF && ctx.Err() == nil {
					fmt.Fprintf(Stderr, "error reading datagram from tunnel: %v\n", err)
				}
				return
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
			bytesIn.Add(int64(len(payload)))
		}
	}()

	// Local -> tunnel. Closing conn via the deferred Close unblocks the
	// pending Read when the other direction ends.
	go func() {
		defer cancel()
		buf := make([]byte, 65535)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if err := stream.Datagrams().WriteDatagram(buf[:n]); err != nil {
				return
			}
			bytesOut.Add(int64(n))
		}
	}()

	<-ctx.Done()
}
