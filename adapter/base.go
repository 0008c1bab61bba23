// Package adapter holds what the scanner adapters share.
package adapter

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/goscan"
)

var ErrDroppedFrame = errors.New("incoming buffer full, frame dropped")

// BaseChannel implements the receive side of goscan.Channel on top of a
// buffered queue the adapter fills from its reader.
type BaseChannel struct {
	name string
	cfg  *goscan.AdapterConfig

	recvChan chan []byte
	open     atomic.Bool

	mu        sync.Mutex
	closeChan chan struct{}
}

func NewBaseChannel(name string, cfg *goscan.AdapterConfig) *BaseChannel {
	if cfg == nil {
		cfg = &goscan.AdapterConfig{}
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) { log.Println(msg) }
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) { log.Println(err) }
	}
	return &BaseChannel{
		name:     name,
		cfg:      cfg,
		recvChan: make(chan []byte, 256),
	}
}

func (base *BaseChannel) Name() string {
	return base.name
}

func (base *BaseChannel) Config() *goscan.AdapterConfig {
	return base.cfg
}

func (base *BaseChannel) IsOpen() bool {
	return base.open.Load()
}

// SetOpen marks the channel usable. Adapters call it once the device
// answered, a closed channel may be opened again.
func (base *BaseChannel) SetOpen() {
	base.mu.Lock()
	defer base.mu.Unlock()
	if !base.open.Load() {
		base.closeChan = make(chan struct{})
		base.Flush()
	}
	base.open.Store(true)
}

// Done is closed when the channel is closed.
func (base *BaseChannel) Done() <-chan struct{} {
	base.mu.Lock()
	defer base.mu.Unlock()
	return base.closeChan
}

// Close marks the channel closed and wakes blocked receivers.
func (base *BaseChannel) Close() error {
	base.mu.Lock()
	defer base.mu.Unlock()
	if base.open.Swap(false) {
		close(base.closeChan)
	}
	return nil
}

// Deliver queues one incoming frame for Receive.
func (base *BaseChannel) Deliver(frame []byte) {
	select {
	case base.recvChan <- frame:
	default:
		_, file, no, ok := runtime.Caller(1)
		if ok {
			log.Printf("%s:%d %v", filepath.Base(file), no, ErrDroppedFrame)
		}
		base.cfg.OnError(ErrDroppedFrame)
	}
}

// Flush drops everything queued.
func (base *BaseChannel) Flush() {
	for {
		select {
		case <-base.recvChan:
		default:
			return
		}
	}
}

func (base *BaseChannel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if !base.IsOpen() {
		return nil, goscan.ErrChannelClosed
	}
	done := base.Done()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-base.recvChan:
		return f, nil
	case <-timer.C:
		return nil, goscan.ErrReceiveTimeout
	case <-done:
		return nil, goscan.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
