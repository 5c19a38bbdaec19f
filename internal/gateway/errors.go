package gateway

import (
	"errors"
	"fmt"
)

// ErrDataMustBeSaved is returned when neither local saving nor cloud upload
// is enabled.
var ErrDataMustBeSaved = errors.New(
	"data from the gateway must either be saved locally or uploaded to the cloud")

// UnknownPacketTypeError reports a semantic packet type the parser cannot
// decode. It aborts the offending record only.
type UnknownPacketTypeError struct {
	PacketType string
}

func (e *UnknownPacketTypeError) Error() string {
	return fmt.Sprintf("packet of type %q is unknown", e.PacketType)
}
