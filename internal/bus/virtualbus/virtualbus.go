// Package virtualbus is an in-memory implementation of bus.Lines used by
// tests and by `cmd/sd2iecsim run --loopback`. Two Endpoints share one Bus;
// each sees the other's asserts wire-ORed onto every line, the way an
// open-collector bus actually behaves.
package virtualbus

import (
	"sync"
	"time"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// Bus is the shared wired-OR state for all endpoints attached to it.
type Bus struct {
	mu        sync.Mutex
	asserted  map[bus.Line]map[*Endpoint]bool
	atnWaitCh map[*Endpoint]chan struct{}
}

func New() *Bus {
	return &Bus{
		asserted:  map[bus.Line]map[*Endpoint]bool{bus.ATN: {}, bus.CLOCK: {}, bus.DATA: {}, bus.SRQ: {}},
		atnWaitCh: map[*Endpoint]chan struct{}{},
	}
}

// Endpoint is one device's view of the Bus: its own drive state plus
// read-back of the wired-OR level.
type Endpoint struct {
	b    *Bus
	self map[bus.Line]bool
}

func (b *Bus) NewEndpoint() *Endpoint {
	ep := &Endpoint{b: b, self: map[bus.Line]bool{}}
	b.mu.Lock()
	b.atnWaitCh[ep] = make(chan struct{}, 1)
	b.mu.Unlock()
	return ep
}

func (e *Endpoint) level(l bus.Line) bool {
	// Line reads high (true/released) only if nobody (including us) is
	// asserting it.
	for _, asserted := range e.b.asserted[l] {
		if asserted {
			return false
		}
	}
	return true
}

func (e *Endpoint) Read(l bus.Line) bool {
	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	return e.level(l)
}

func (e *Endpoint) Assert(l bus.Line) {
	e.b.mu.Lock()
	wasHigh := e.level(l)
	e.b.asserted[l][e] = true
	if l == bus.ATN && wasHigh {
		for ep, ch := range e.b.atnWaitCh {
			if ep == e {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	e.b.mu.Unlock()
}

func (e *Endpoint) Release(l bus.Line) {
	e.b.mu.Lock()
	e.b.asserted[l][e] = false
	e.b.mu.Unlock()
}

func (e *Endpoint) DelayUS(n int) {
	if n <= 0 {
		return
	}
	time.Sleep(time.Duration(n) * time.Microsecond)
}

type timeout struct {
	deadline time.Time
}

func (t *timeout) Expired() bool { return time.Now().After(t.deadline) }

func (e *Endpoint) StartTimeout(d time.Duration) bus.Timeout {
	return &timeout{deadline: time.Now().Add(d)}
}

func (e *Endpoint) ATNFalling() <-chan struct{} {
	e.b.mu.Lock()
	ch := e.b.atnWaitCh[e]
	e.b.mu.Unlock()
	return ch
}

var _ bus.Lines = (*Endpoint)(nil)
