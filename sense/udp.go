package sense

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/c360/vitalstream/errors"
	"github.com/c360/vitalstream/pkg/retry"
)

// UDP listens for datagrams, one record per datagram.
type UDP struct {
	*core
	conn *net.UDPConn
}

var _ Listener = (*UDP)(nil)

// NewUDP binds a UDP socket and starts the receive workers. The listener is
// receiving before NewUDP returns.
func NewUDP(cfg Config, deps Deps) (*UDP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u := &UDP{core: newCore(cfg, deps, "udp")}

	network := "udp4"
	if cfg.IPv6 {
		network = "udp6"
	}

	addr, err := net.ResolveUDPAddr(network, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: resolve %s:%d: %v", errors.ErrBindFailed, cfg.Host, cfg.Port, err),
			"UDP", "NewUDP", "resolve address")
	}

	bind := func() error {
		conn, err := net.ListenUDP(network, addr)
		if err != nil {
			return err
		}
		u.conn = conn
		return nil
	}
	if err := retry.Do(context.Background(), retry.Quick(), bind); err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: listen %s:%d: %v", errors.ErrBindFailed, cfg.Host, cfg.Port, err),
			"UDP", "NewUDP", "socket binding")
	}

	// Grow the OS receive buffer so bursts do not drop before the workers
	// get to them. Some systems cap this, which is fine.
	const socketBufferSize = 2 * 1024 * 1024
	if err := u.conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("could not set UDP receive buffer",
			"buffer_size", socketBufferSize, "error", err)
	}

	for i := 0; i < cfg.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.readLoop()
		}()
	}

	u.logger.Info("UDP listener started",
		"host", cfg.Host, "port", cfg.Port, "workers", cfg.Workers)

	return u, nil
}

// readLoop reads datagrams until the listener closes. Each datagram is one
// record: valid records pass through, anything else is wrapped.
func (u *UDP) readLoop() {
	buf := make([]byte, 65536)

	for u.running.Load() {
		_ = u.conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, addr, err := u.conn.ReadFromUDP(buf)

		// A read can deliver bytes and an error together; consume the
		// bytes first so the error path never drops them.
		if n > 0 && addr != nil {
			if u.metrics != nil {
				u.metrics.packetsReceived.Inc()
				u.metrics.bytesReceived.Add(float64(n))
			}

			data := make([]byte, n)
			copy(data, buf[:n])

			u.emit(u.classify(data, addr.IP.String(), addr.Port))
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !u.running.Load() {
				return
			}
			if u.metrics != nil {
				u.metrics.socketErrors.Inc()
			}
		}
	}
}

// Sense drains everything received since the last call in timestamp order,
// appending periodic throughput telemetry.
func (u *UDP) Sense() []string {
	return u.collect()
}

// Close stops the workers and releases the socket. Safe to call more than
// once.
func (u *UDP) Close() error {
	if !u.shutdown() {
		return nil
	}

	_ = u.conn.Close()
	_ = u.out.Close()
	u.wg.Wait()

	u.logger.Info("UDP listener closed", "port", u.cfg.Port)
	return nil
}
