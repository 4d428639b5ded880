//go:build !mediadevices

package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

var ErrDevicesUnavailable = errors.New("built without the mediadevices tag")

// Devices is unavailable in this build; Acquire always fails with a device error.
type Devices struct{}

var _ core.MediaSource = (*Devices)(nil)

func NewDevices() (*Devices, error) { return &Devices{}, nil }

func (*Devices) ConfigureMedia(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }

func (*Devices) Acquire(context.Context, core.Constraints) ([]core.LocalTrack, error) {
	return nil, fmt.Errorf("%w: %w", domain.ErrDevice, ErrDevicesUnavailable)
}
