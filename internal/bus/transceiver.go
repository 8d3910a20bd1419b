package bus

import (
	"time"

	"github.com/pkg/errors"
)

// Transceiver implements the Commodore handshake (spec.md §4.2) on top of
// a Lines implementation. It is deliberately stateless beyond the Lines
// and TimingMode it was built with; the bus state machine owns role and
// secondary-address tracking.
type Transceiver struct {
	Lines  Lines
	Timing TimingMode
}

func NewTransceiver(l Lines) *Transceiver {
	return &Transceiver{Lines: l, Timing: NormalTiming}
}

// Sentinel errors returned by Receive/Send. These are checked with
// errors.Is by the bus state machine to decide whether to re-enter ATN
// processing or report a wire-level failure.
var (
	// ErrATNActive means ATN fell during the transfer; the caller must
	// unwind to the ATN-dispatch state without treating this as a
	// framing error.
	ErrATNActive = errors.New("bus: ATN became active")
	// ErrNoListener means Send found DATA released (no device listening)
	// when it expected DATA asserted.
	ErrNoListener = errors.New("bus: no listener")
	ErrTimeout    = errors.New("bus: handshake timeout")
)

// eoiAckDelay is how long the receiver holds DATA low to acknowledge an
// EOI-signalled byte (spec.md §4.2.1 step 3).
const eoiAckDelay = 73 * time.Microsecond

// eoiDetectTimeout is how long the receiver waits for CLOCK release
// before concluding the byte carries EOI (spec.md §4.2.1 step 3).
const eoiDetectTimeout = 256 * time.Microsecond

// sendPreClockDelay and sendBitHold implement spec.md §4.2.2 steps 4-5.
const (
	sendPreClockDelay = 60 * time.Microsecond
	sendBitHold       = 70 * time.Microsecond
)

// Byte is the result of a successful Receive: the 8 data bits plus
// whether EOI accompanied them.
type Byte struct {
	Value byte
	EOI   bool
}

func (t *Transceiver) checkATN() error {
	select {
	case <-t.Lines.ATNFalling():
		return ErrATNActive
	default:
		return nil
	}
}

// waitLine busy-waits until Read(l) == want, checking ATN on every
// iteration and bailing out once timeout expires (a nil timeout means no
// timeout).
func (t *Transceiver) waitLine(l Line, want bool, timeout Timeout) error {
	for {
		if err := t.checkATN(); err != nil {
			return err
		}
		if t.Lines.Read(l) == want {
			return nil
		}
		if timeout != nil && timeout.Expired() {
			return ErrTimeout
		}
	}
}

// Receive implements spec.md §4.2.1. Precondition: bus is in LISTEN mode
// for this device.
func (t *Transceiver) Receive() (Byte, error) {
	l := t.Lines

	// Step 1: release CLOCK, wait for peer to release it.
	l.Release(CLOCK)
	if err := t.waitLine(CLOCK, true, nil); err != nil {
		return Byte{}, err
	}

	// Step 2: signal ready (assert then release DATA), wait for bus-DATA high.
	l.Assert(DATA)
	l.Release(DATA)
	if err := t.waitLine(DATA, true, nil); err != nil {
		return Byte{}, err
	}

	// Step 3: EOI detection window.
	var eoi bool
	to := l.StartTimeout(eoiDetectTimeout)
	err := t.waitLine(CLOCK, false, to)
	if err == ErrTimeout {
		eoi = true
		l.Assert(DATA)
		l.DelayUS(int(eoiAckDelay / time.Microsecond))
		l.Release(DATA)
		if err := t.waitLine(CLOCK, true, nil); err != nil {
			return Byte{}, err
		}
	} else if err != nil {
		return Byte{}, err
	}

	// Step 5: wait for CLOCK high (bit transmission starts).
	if err := t.waitLine(CLOCK, true, nil); err != nil {
		return Byte{}, err
	}

	// Step 6: 8 bits, LSB first. Line level "low" transmits logic 1.
	var v byte
	for i := 0; i < 8; i++ {
		if err := t.waitLine(CLOCK, true, nil); err != nil {
			return Byte{}, err
		}
		bit := byte(0)
		if !l.Read(DATA) {
			bit = 1
		}
		v |= bit << uint(i)
		if err := t.waitLine(CLOCK, false, nil); err != nil {
			return Byte{}, err
		}
	}

	// Step 7: acknowledge receipt.
	l.Assert(DATA)

	return Byte{Value: v, EOI: eoi}, nil
}

// Send implements spec.md §4.2.2. Precondition: bus is in TALK mode for
// this device. Never called while ATN is low.
func (t *Transceiver) Send(v byte, withEOI bool) error {
	l := t.Lines

	if l.Read(DATA) {
		return ErrNoListener
	}

	l.Release(DATA)
	l.Assert(CLOCK)
	if err := t.waitLine(DATA, true, nil); err != nil {
		return err
	}

	if withEOI {
		if err := t.waitLine(DATA, false, nil); err != nil {
			return err
		}
		if err := t.waitLine(DATA, true, nil); err != nil {
			return err
		}
	}

	l.Assert(CLOCK)
	t.delay(sendPreClockDelay)

	hold := sendBitHold
	if t.Timing == VC20Timing {
		hold /= 2
	}

	for i := 0; i < 8; i++ {
		bit := (v >> uint(i)) & 1
		if bit == 1 {
			l.Assert(DATA)
		} else {
			l.Release(DATA)
		}
		l.Release(CLOCK)
		t.delay(hold)
		l.Assert(CLOCK)
	}

	l.Release(DATA)
	if err := t.waitLine(DATA, false, nil); err != nil {
		return err
	}

	return nil
}

func (t *Transceiver) delay(d time.Duration) {
	t.Lines.DelayUS(int(d / time.Microsecond))
}
