// Package metricsemit implements the monitoring-endpoint emitter of
// spec.md §6: a UDP datagram `"<path> <name> <value>"` sent to a
// configured host:port. UDP is fire-and-forget by design here — a
// dropped metric datagram is not worth retrying or blocking a worker
// over (spec.md §7's transient-external policy extended to metrics).
package metricsemit

import (
	"fmt"
	"net"
)

// Emitter sends metric datagrams to the monitoring endpoint.
type Emitter struct {
	conn net.Conn
}

// New dials a UDP "connection" to host:port. UDP dial does not
// actually contact the peer; it just fixes the destination address
// for subsequent writes.
func New(host string, port int) (*Emitter, error) {
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("dial monitoring endpoint %s:%d: %w", host, port, err)
	}
	return &Emitter{conn: conn}, nil
}

// Close releases the underlying UDP socket.
func (e *Emitter) Close() error {
	return e.conn.Close()
}

// Emit sends one `"<path> <name> <value>"` datagram. Errors are
// returned for the caller to log; metricsemit never retries, since by
// the time a metric is late it is no longer worth the delay (spec.md
// §7).
func (e *Emitter) Emit(path, name string, value float64) error {
	line := fmt.Sprintf("%s %s %g", path, name, value)
	_, err := e.conn.Write([]byte(line))
	return err
}
