package sense

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/c360/vitalstream/datum"
	"github.com/c360/vitalstream/errors"
	"github.com/c360/vitalstream/pkg/retry"
	"github.com/c360/vitalstream/pkg/worker"
)

// frame is one batch of records assembled from a connection's byte stream.
type frame struct {
	records []string
	host    string
	port    int
	addr    net.Addr
}

// TCP listens for connections carrying streams of terminator-delimited
// records.
type TCP struct {
	*core
	ln     *net.TCPListener
	pool   *worker.Pool[frame]
	cancel context.CancelFunc
	ctx    context.Context

	// addrs maps patient_id/device_id to the last connection that sent for
	// that identity, for routing commands back to devices.
	addrMu sync.RWMutex
	addrs  map[string]net.Addr
}

var _ Listener = (*TCP)(nil)

// NewTCP binds a TCP socket and starts the accept and classification
// workers. The listener is accepting before NewTCP returns.
func NewTCP(cfg Config, deps Deps) (*TCP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &TCP{
		core:  newCore(cfg, deps, "tcp"),
		addrs: make(map[string]net.Addr),
	}
	t.trackLatency = true
	t.ctx, t.cancel = context.WithCancel(context.Background())

	network := "tcp4"
	if cfg.IPv6 {
		network = "tcp6"
	}

	addr, err := net.ResolveTCPAddr(network, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		t.cancel()
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: resolve %s:%d: %v", errors.ErrBindFailed, cfg.Host, cfg.Port, err),
			"TCP", "NewTCP", "resolve address")
	}

	bind := func() error {
		ln, err := net.ListenTCP(network, addr)
		if err != nil {
			return err
		}
		t.ln = ln
		return nil
	}
	if err := retry.Do(context.Background(), retry.Quick(), bind); err != nil {
		t.cancel()
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: listen %s:%d: %v", errors.ErrBindFailed, cfg.Host, cfg.Port, err),
			"TCP", "NewTCP", "socket binding")
	}

	t.pool = worker.NewPool(cfg.FrameWorkers, cfg.QueueCapacity, t.processFrame)
	if err := t.pool.Start(t.ctx); err != nil {
		t.cancel()
		_ = t.ln.Close()
		return nil, errors.WrapFatal(err, "TCP", "NewTCP", "start frame workers")
	}

	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.acceptLoop()
		}()
	}

	t.logger.Info("TCP listener started",
		"host", cfg.Host, "port", cfg.Port,
		"workers", cfg.Workers, "frame_workers", cfg.FrameWorkers)

	return t, nil
}

// acceptLoop accepts connections until the listener closes. Each connection
// gets its own handler goroutine.
func (t *TCP) acceptLoop() {
	for t.running.Load() {
		_ = t.ln.SetDeadline(time.Now().Add(readDeadline))

		conn, err := t.ln.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !t.running.Load() {
				return
			}
			if t.metrics != nil {
				t.metrics.socketErrors.Inc()
			}
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

// handleConn reads a connection's byte stream, splits complete records on
// the terminator, and carries any trailing partial record into the next
// read. Complete frames go to the classification workers; when their queue
// is full the frame is classified inline for backpressure.
func (t *TCP) handleConn(conn *net.TCPConn) {
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr().(*net.TCPAddr)
	buf := make([]byte, 65536)
	carry := ""

	for t.running.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, err := conn.Read(buf)

		// A read can deliver bytes and an error together (EOF after the
		// final payload); frame the bytes before acting on the error.
		if n > 0 {
			if t.metrics != nil {
				t.metrics.packetsReceived.Inc()
				t.metrics.bytesReceived.Add(float64(n))
			}

			parts := strings.Split(carry+string(buf[:n]), datum.Terminator)
			carry = parts[len(parts)-1]

			var records []string
			for _, part := range parts[:len(parts)-1] {
				if part == "" {
					continue
				}
				records = append(records, part+datum.Terminator)
			}
			if len(records) > 0 {
				t.dispatch(frame{
					records: records,
					host:    remote.IP.String(),
					port:    remote.Port,
					addr:    remote,
				})
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// EOF or reset ends the connection. A leftover partial record
			// is classified so the bytes are not silently lost.
			if carry != "" {
				t.dispatch(frame{
					records: []string{carry},
					host:    remote.IP.String(),
					port:    remote.Port,
					addr:    remote,
				})
			}
			return
		}
	}
}

func (t *TCP) dispatch(f frame) {
	if err := t.pool.Submit(f); err != nil {
		// Pool queue full or stopped: classify inline so the connection
		// reader provides the backpressure.
		_ = t.processFrame(t.ctx, f)
	}
}

// processFrame classifies each record in a frame and records the identity
// to connection mapping for valid records.
func (t *TCP) processFrame(_ context.Context, f frame) error {
	for _, raw := range f.records {
		record := t.classify([]byte(raw), f.host, f.port)
		if record == "" {
			continue
		}

		if pid, err := datum.PatientID(record); err == nil {
			if did, err := datum.DeviceID(record); err == nil {
				t.addrMu.Lock()
				t.addrs[pid+"\x00"+did] = f.addr
				t.addrMu.Unlock()
			}
		}

		t.emit(record)
	}
	return nil
}

// Addr returns the source address of the last record received for the given
// identity.
func (t *TCP) Addr(patientID, deviceID string) (net.Addr, bool) {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	addr, ok := t.addrs[patientID+"\x00"+deviceID]
	return addr, ok
}

// Sense drains everything received since the last call in timestamp order,
// appending periodic telemetry with mean receive latency.
func (t *TCP) Sense() []string {
	return t.collect()
}

// Close stops the accept and classification workers and releases the
// socket. Safe to call more than once.
func (t *TCP) Close() error {
	if !t.shutdown() {
		return nil
	}

	_ = t.ln.Close()
	_ = t.pool.Stop(5 * time.Second)
	_ = t.out.Close()
	t.cancel()
	t.wg.Wait()

	t.logger.Info("TCP listener closed", "port", t.cfg.Port)
	return nil
}
