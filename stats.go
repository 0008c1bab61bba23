package goscan

import (
	"fmt"
	"sync/atomic"
)

type Stats struct {
	Sent      uint64
	Received  uint64
	Discarded uint64
	Retries   uint64
	Errors    uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("sent: %d recv: %d discarded: %d retries: %d errors: %d", st.Sent, st.Received, st.Discarded, st.Retries, st.Errors)
}

type counters struct {
	sent, received, discarded, retries, errors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Discarded: c.discarded.Load(),
		Retries:   c.retries.Load(),
		Errors:    c.errors.Load(),
	}
}
