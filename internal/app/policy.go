package app

import "github.com/dkeye/peercall/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case Disconnect:
		return "disconnect"
	}
	return "none"
}

// Policy decides what happens to a watcher whose send buffer is full. drops counts the frames already
// lost on that connection, including this one.
type Policy interface {
	OnBackPressure(conn core.ConnID, drops int) BackpressureAction
}

// SimplePolicy disconnects at the first full buffer; the client reconnects and resubscribes.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ConnID, int) BackpressureAction {
	return Disconnect
}

// TolerantPolicy drops up to MaxDrops frames per connection before disconnecting.
type TolerantPolicy struct {
	MaxDrops int
}

func (p TolerantPolicy) OnBackPressure(_ core.ConnID, drops int) BackpressureAction {
	if drops > p.MaxDrops {
		return Disconnect
	}
	return DropFrame
}
