package goscan

import (
	"context"
	"errors"
	"time"

	"github.com/roffe/goscan/pkg/frame"
)

// ErrReceiveTimeout is returned by Channel.Receive when nothing arrived in
// time. It is not fatal for the channel.
var ErrReceiveTimeout = errors.New("receive timeout")

// Channel is the duplex link to a scanner adapter. Send writes one encoded
// link frame, Receive returns one.
type Channel interface {
	Name() string
	Open(ctx context.Context, deviceID string) error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	IsOpen() bool
	Close() error
}

// ProtocolSelector is implemented by adapters that must be told which bus
// protocol to run before frames can be exchanged (ELM327 ATSPx).
type ProtocolSelector interface {
	SelectProtocol(ctx context.Context, p frame.Protocol) error
}

// LinkInitializer is implemented by adapters that perform the K-Line wakeup
// themselves. It returns the key bytes reported by the ECU.
type LinkInitializer interface {
	InitLink(ctx context.Context, p frame.Protocol) ([]byte, error)
}
