//go:build !linux || !cgo

package call

import (
	"context"
	"fmt"

	"github.com/petervdpas/formsync/internal/model"
)

// DeviceSource captures the local camera and microphone. Capture through
// pion/mediadevices needs the V4L2/malgo drivers, so on other platforms every
// call runs receive-only.
type DeviceSource struct{}

func (DeviceSource) Acquire(_ context.Context, _, _ bool) (*LocalMedia, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", model.ErrMediaUnavailable)
}
