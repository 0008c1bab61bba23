package scanner

import (
	"log"
	"sync"
	"time"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/pid"
)

type UpdateKind int

const (
	StateChanged UpdateKind = iota
	SessionChanged
	DTCsChanged
	LiveValue
	EventPublished
)

func (k UpdateKind) String() string {
	switch k {
	case StateChanged:
		return "state"
	case SessionChanged:
		return "session"
	case DTCsChanged:
		return "dtcs"
	case LiveValue:
		return "live"
	case EventPublished:
		return "event"
	}
	return "unknown"
}

// Update is what observers receive. Only the fields of Kind are set.
type Update struct {
	Kind    UpdateKind
	Time    time.Time
	State   State
	Session SessionType
	DTCs    []dtc.DTC
	Value   *pid.Value
	Event   *goscan.Event
}

type Subscriber struct {
	obs          *observers
	responseChan chan Update
	closeOnce    sync.Once
}

// Chan is closed when the subscriber is closed.
func (sub *Subscriber) Chan() <-chan Update {
	return sub.responseChan
}

func (sub *Subscriber) Close() {
	sub.closeOnce.Do(func() {
		sub.obs.unregister(sub)
	})
}

type observers struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func (o *observers) register(buffer int) *Subscriber {
	sub := &Subscriber{obs: o, responseChan: make(chan Update, buffer)}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[*Subscriber]struct{})
	}
	o.subs[sub] = struct{}{}
	return sub
}

func (o *observers) unregister(sub *Subscriber) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[sub]; ok {
		delete(o.subs, sub)
		close(sub.responseChan)
	}
}

// publish never blocks, a subscriber that does not keep up loses updates.
func (o *observers) publish(u Update) {
	if u.Time.IsZero() {
		u.Time = time.Now()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for sub := range o.subs {
		select {
		case sub.responseChan <- u:
		default:
			log.Printf("subscriber buffer full, dropped %s update", u.Kind)
		}
	}
}

func (o *observers) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sub := range o.subs {
		delete(o.subs, sub)
		close(sub.responseChan)
	}
}
