package gateway

import (
	"sync/atomic"
	"time"

	"bladewatch.io/gateway/internal/config"
	"bladewatch.io/gateway/internal/log"
	"bladewatch.io/gateway/internal/metrics"
	"bladewatch.io/gateway/internal/serialport"
)

// maxConsecutiveReadErrors is how many serial read failures in a row are
// tolerated before the port is considered dead and stop is propagated.
const maxConsecutiveReadErrors = 10

// Reader scans the serial byte stream for frames and pushes them onto the
// queue for the parser. Unknown leading bytes are discarded to resynchronize
// on the next frame boundary. The reader never touches parser state.
type Reader struct {
	port    serialport.Port
	queue   chan<- Frame
	stop    *atomic.Bool
	leading map[byte]string
	rxSize  int

	readErrors int
}

// NewReader builds a reader over the given port, resolving origins with the
// configuration's leading-byte map.
func NewReader(port serialport.Port, cfg *config.Configuration, queue chan<- Frame, stop *atomic.Bool) *Reader {
	return &Reader{
		port:    port,
		queue:   queue,
		stop:    stop,
		leading: cfg.LeadingBytes(),
		rxSize:  cfg.Gateway.SerialBufferRxSize,
	}
}

// Run reads frames until the stop flag is raised. Blocking; run it in its
// own goroutine. On exit the stop flag is raised so sibling tasks shut down
// with it.
func (r *Reader) Run() {
	defer r.stop.Store(true)
	log.GetLogger().Info("packet reader started")

	for !r.stop.Load() {
		lead, ok := r.readByte()
		if !ok {
			continue
		}

		origin, known := r.leading[lead]
		if !known {
			metrics.ResyncBytesTotal.Inc()
			continue
		}
		receivedAt := time.Now()

		packetType, ok := r.awaitByte()
		if !ok {
			return
		}
		length, ok := r.awaitByte()
		if !ok {
			return
		}
		body, ok := r.readFull(int(length))
		if !ok {
			return
		}

		if waiting := r.port.InWaiting(); waiting >= 0 && waiting == r.rxSize {
			metrics.RxBufferFullTotal.Inc()
			log.GetLogger().Warn(
				"serial port buffer is full - buffer overflow may occur, resulting in data loss")
		}

		r.enqueue(Frame{Origin: origin, Type: packetType, Body: body, ReceivedAt: receivedAt})
	}
}

// readByte reads one byte, returning ok=false when no byte arrived this
// cycle (timeout or transient error).
func (r *Reader) readByte() (byte, bool) {
	buf := make([]byte, 1)
	n, err := r.port.Read(buf)
	if err != nil {
		r.readErrors++
		if r.readErrors >= maxConsecutiveReadErrors {
			log.GetLogger().WithError(err).Error("serial port is unreadable - stopping the gateway")
			r.stop.Store(true)
			return 0, false
		}
		log.GetLogger().WithError(err).Warn("transient serial read error")
		return 0, false
	}
	r.readErrors = 0
	if n == 0 {
		return 0, false
	}
	return buf[0], true
}

// awaitByte blocks until a byte arrives or the stop flag is raised. A
// partial frame interrupted by stop is dropped.
func (r *Reader) awaitByte() (byte, bool) {
	for !r.stop.Load() {
		if b, ok := r.readByte(); ok {
			return b, true
		}
	}
	return 0, false
}

func (r *Reader) readFull(length int) ([]byte, bool) {
	body := make([]byte, 0, length)
	for len(body) < length {
		b, ok := r.awaitByte()
		if !ok {
			return nil, false
		}
		body = append(body, b)
	}
	return body, true
}

// enqueue blocks when the queue is full (backpressure on the serial driver's
// buffer) but keeps observing the stop flag.
func (r *Reader) enqueue(f Frame) {
	for {
		select {
		case r.queue <- f:
			metrics.FramesReadTotal.WithLabelValues(f.Origin).Inc()
			return
		case <-time.After(100 * time.Millisecond):
			if r.stop.Load() {
				return
			}
		}
	}
}
