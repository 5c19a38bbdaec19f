package gateway

import "time"

// Frame is one well-formed unit extracted from the serial byte stream:
// origin resolved from the leading byte, the raw packet type code, the body,
// and the wall-clock time at which the leading byte was consumed.
type Frame struct {
	Origin     string
	Type       byte
	Body       []byte
	ReceivedAt time.Time
}
