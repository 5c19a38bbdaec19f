// Package serialport abstracts the serial link to the receiver. A real port
// is backed by tarm/serial; a dummy port provides an in-memory stand-in for
// tests and simulated runs.
package serialport

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"bladewatch.io/gateway/internal/log"
)

// RxWaitingUnknown is returned by InWaiting on backends that cannot report
// the receive-queue fill level.
const RxWaitingUnknown = -1

// Port is a byte-oriented serial link. Read returns (0, nil) when the read
// timeout elapses with no data; a serial link never terminates with io.EOF.
type Port interface {
	io.Reader
	io.Writer
	io.Closer

	// InWaiting reports the number of bytes queued in the receive buffer,
	// or RxWaitingUnknown if the backend cannot tell.
	InWaiting() int
}

// DefaultReadTimeout bounds a single blocking read so loops can observe the
// stop flag.
const DefaultReadTimeout = 100 * time.Millisecond

type realPort struct {
	port *serial.Port
}

// Open opens the named serial device at the given baud rate.
func Open(name string, baud int) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: DefaultReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	if err := p.Flush(); err != nil {
		log.GetLogger().WithError(err).Warnf("could not flush serial port %s", name)
	} else {
		log.GetLogger().Debugf("reset serial port %s buffers", name)
	}

	log.GetLogger().Infof("serial port %s opened at %d baud", name, baud)
	return &realPort{port: p}, nil
}

func (p *realPort) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err == io.EOF {
		// The driver reports a timed-out read as EOF; the link is still up.
		return n, nil
	}
	return n, err
}

func (p *realPort) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

func (p *realPort) Close() error {
	return p.port.Close()
}

func (p *realPort) InWaiting() int {
	return RxWaitingUnknown
}
