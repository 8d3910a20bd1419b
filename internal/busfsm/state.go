// Package busfsm implements the IEC bus state machine (spec.md §4.3):
// Idle -> FoundAtn -> AtnActive -> {ForMe,NotForMe} -> AtnFinish ->
// AtnProcess -> Cleanup -> Idle. It drives a bus.Transceiver for byte
// framing and a chanbuf.Pool for listen/talk-loop buffer access, the way
// the teacher's internal/server.Server drives internal/proto's codec
// from a single request-dispatch loop.
package busfsm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sd2iec/sd2iec/internal/bus"
	"github.com/sd2iec/sd2iec/internal/chanbuf"
)

// State names the bus FSM's current state (spec.md §4.3 table).
type State int

const (
	Idle State = iota
	FoundAtn
	AtnActive
	ForMe
	NotForMe
	AtnFinish
	AtnProcess
	Cleanup
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case FoundAtn:
		return "FoundAtn"
	case AtnActive:
		return "AtnActive"
	case ForMe:
		return "ForMe"
	case NotForMe:
		return "NotForMe"
	case AtnFinish:
		return "AtnFinish"
	case AtnProcess:
		return "AtnProcess"
	case Cleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Role is the device's role for the in-progress ATN sequence.
type Role int

const (
	RoleIdle Role = iota
	RoleListener
	RoleTalker
)

// CommandSink receives the accumulated channel-15 command buffer once
// OPEN/EOI completes it (spec.md §4.3 "command_complete"); doscmd.Dispatcher
// implements this.
type CommandSink interface {
	Dispatch(secondary int, cmd []byte) error
	// OpenFile handles non-command OPEN (secondary 0..14) with the
	// accumulated filename/mode string.
	OpenFile(secondary int, name []byte) error
}

// Engine runs the bus state machine to completion for repeated ATN
// sequences. One Engine instance corresponds to one logical device
// address (spec.md §1's single-device-per-bus scope).
type Engine struct {
	Lines   bus.Lines
	Trx     *bus.Transceiver
	Pool    *chanbuf.Pool
	Sink    CommandSink
	Address int

	state     State
	role      Role
	secondary   int
	cmdBuf      []byte
	complete    bool
	openPending bool
}

func NewEngine(lines bus.Lines, trx *bus.Transceiver, pool *chanbuf.Pool, sink CommandSink, address int) *Engine {
	return &Engine{Lines: lines, Trx: trx, Pool: pool, Sink: sink, Address: address, state: Idle}
}

func (e *Engine) State() State { return e.state }

// Run drives the FSM until ctx is cancelled, processing one ATN sequence
// per outer loop iteration (spec.md §4.3's full state table).
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

func (e *Engine) step(ctx context.Context) error {
	switch e.state {
	case Idle:
		e.Lines.Release(bus.ATN)
		e.Lines.Release(bus.CLOCK)
		e.Lines.Release(bus.DATA)
		if !e.Lines.Read(bus.ATN) {
			e.state = FoundAtn
		}
		return nil

	case FoundAtn:
		e.Lines.Assert(bus.DATA)
		e.role = RoleIdle
		e.secondary = -1
		e.cmdBuf = e.cmdBuf[:0]
		e.complete = false
		e.state = AtnActive
		return nil

	case AtnActive:
		return e.handleAtnActive()

	case ForMe:
		if e.Lines.Read(bus.ATN) {
			e.state = AtnProcess
		} else {
			e.state = AtnActive
		}
		return nil

	case NotForMe:
		e.Lines.Release(bus.DATA)
		e.Lines.Release(bus.CLOCK)
		if e.Lines.Read(bus.ATN) {
			e.state = AtnFinish
		}
		return nil

	case AtnFinish:
		if e.Lines.Read(bus.ATN) {
			e.state = AtnProcess
		}
		return nil

	case AtnProcess:
		switch e.role {
		case RoleListener:
			if err := e.listenLoop(ctx); err != nil {
				return err
			}
		case RoleTalker:
			if err := e.talkLoop(ctx); err != nil {
				return err
			}
		}
		e.state = Cleanup
		return nil

	case Cleanup:
		e.Lines.Release(bus.CLOCK)
		e.Lines.Release(bus.DATA)
		if e.complete && len(e.cmdBuf) > 0 {
			if e.secondary == chanbuf.ErrorChannelSecondary {
				_ = e.Sink.Dispatch(e.secondary, e.cmdBuf)
			} else {
				_ = e.Sink.OpenFile(e.secondary, e.cmdBuf)
			}
		}
		e.openPending = false
		e.state = Idle
		return nil
	}
	return errors.Errorf("busfsm: unhandled state %v", e.state)
}

func (e *Engine) handleAtnActive() error {
	b, err := e.Trx.Receive()
	if err != nil {
		return err
	}
	v := b.Value
	switch {
	case v == 0x3F: // UNLISTEN
		if e.role == RoleListener {
			e.role = RoleIdle
		}
		e.state = AtnFinish
	case v == 0x5F: // UNTALK
		if e.role == RoleTalker {
			e.role = RoleIdle
		}
		e.state = AtnFinish
	case v >= 0x20 && v <= 0x3E && int(v-0x20) == e.Address:
		e.role = RoleListener
		e.state = ForMe
	case v >= 0x40 && v <= 0x5E && int(v-0x40) == e.Address:
		e.role = RoleTalker
		e.state = ForMe
	case v >= 0x60 && v <= 0x6F:
		e.secondary = int(v - 0x60)
		e.state = ForMe
	case v >= 0xE0 && v <= 0xEF:
		e.secondary = int(v - 0xE0)
		if e.secondary == chanbuf.ErrorChannelSecondary {
			e.Pool.FreeAll(chanbuf.FreeNonSticky)
		} else {
			e.Pool.Free(e.secondary)
		}
		e.state = ForMe
	case v >= 0xF0 && v <= 0xFF:
		e.secondary = int(v - 0xF0)
		e.cmdBuf = e.cmdBuf[:0]
		e.openPending = true
		e.state = AtnFinish
	default:
		e.state = NotForMe
	}
	return nil
}

// listenLoop implements spec.md §4.3's listen loop.
func (e *Engine) listenLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !e.Lines.Read(bus.ATN) {
			return nil
		}
		b, err := e.Trx.Receive()
		if err != nil {
			if errors.Cause(err) == bus.ErrATNActive {
				return nil
			}
			return err
		}
		isCmd := e.secondary == chanbuf.ErrorChannelSecondary || e.openPending
		if isCmd {
			e.cmdBuf = append(e.cmdBuf, b.Value)
			if b.EOI {
				e.complete = true
				return nil
			}
			continue
		}
		buf := e.Pool.Find(e.secondary)
		if buf == nil || !buf.WriteOpen {
			return nil
		}
		wrapped, err := buf.PutByte(b.Value)
		if err != nil {
			return err
		}
		if wrapped && buf.Backend != nil {
			if err := buf.Backend.Refill(buf); err != nil {
				return err
			}
		}
		if b.EOI {
			return nil
		}
	}
}

// talkLoop implements spec.md §4.3's talk loop.
func (e *Engine) talkLoop(ctx context.Context) error {
	buf := e.Pool.Find(e.secondary)
	if buf == nil || !buf.ReadOpen {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !e.Lines.Read(bus.ATN) {
			return nil
		}
		v, isLast := buf.NextByte()
		withEOI := isLast && buf.SendEOI
		if err := e.Trx.Send(v, withEOI); err != nil {
			if errors.Cause(err) == bus.ErrATNActive {
				return nil
			}
			return err
		}
		if isLast {
			if buf.SendEOI {
				return nil
			}
			if buf.Backend != nil {
				if err := buf.Backend.Refill(buf); err != nil {
					return err
				}
			}
			continue
		}
		buf.Position++
	}
}
