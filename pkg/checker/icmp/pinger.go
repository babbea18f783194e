// Package icmp actively probes device reachability with echo requests
// and reports ping_success and ping_rtt_ms samples.
package icmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds how long one probe waits for its reply.
	DefaultTimeout = 3 * time.Second

	protocolICMP = 1
)

var (
	errInvalidAddress = errors.New("invalid ping target address")
	errFailedToListen = errors.New("failed to open ICMP socket")
	errFailedToSend   = errors.New("failed to send echo request")
)

// Pinger sends paced ICMP echo requests. A single Pinger is shared by
// all ICMP checkers so the rate limiter bounds fleet-wide probe load.
type Pinger struct {
	timeout time.Duration
	limiter *rate.Limiter
	id      int
	seq     uint32
	mu      sync.Mutex
}

// NewPinger builds a pinger with the given per-probe timeout. A zero
// timeout takes the default.
func NewPinger(timeout time.Duration, probesPerSecond int) *Pinger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if probesPerSecond <= 0 {
		probesPerSecond = 100
	}

	return &Pinger{
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(probesPerSecond), probesPerSecond),
		id:      os.Getpid() & 0xffff,
	}
}

// Ping probes one address. reachable reports whether a matching echo
// reply arrived within the timeout; err is reserved for socket-level
// failures such as missing privileges.
func (p *Pinger) Ping(ctx context.Context, addr string) (rtt time.Duration, reachable bool, err error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return 0, false, fmt.Errorf("%w: %q", errInvalidAddress, addr)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return 0, false, err
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", errFailedToListen, err)
	}
	defer conn.Close()

	seq := int(atomic.AddUint32(&p.seq, 1) & 0xffff)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: []byte("fleetmon"),
		},
	}

	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", errFailedToSend, err)
	}

	deadline := time.Now().Add(p.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return 0, false, fmt.Errorf("%w: %w", errFailedToSend, err)
	}

	sent := time.Now()

	if _, err := conn.WriteTo(payload, &net.IPAddr{IP: ip}); err != nil {
		return 0, false, fmt.Errorf("%w: %w", errFailedToSend, err)
	}

	buf := make([]byte, 1500)

	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			// Timeout is an unreachable target, not a failure.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, false, nil
			}

			return 0, false, fmt.Errorf("%w: %w", errFailedToSend, err)
		}

		reply, parseErr := icmp.ParseMessage(protocolICMP, buf[:n])
		if parseErr != nil {
			continue
		}

		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}

		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != p.id || echo.Seq != seq {
			continue
		}

		if peerIP, ok := peer.(*net.IPAddr); ok && !peerIP.IP.Equal(ip) {
			continue
		}

		return time.Since(sent), true, nil
	}
}
