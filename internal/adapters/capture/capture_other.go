//go:build !linux || !cgo

package capture

import "context"

// Device capture needs the cgo V4L2, malgo, libvpx and libopus bindings.
func openMicrophone(context.Context, string) (*Track, error) {
	return nil, ErrDeviceUnavailable
}

func openCamera(context.Context, string) (*Track, error) {
	return nil, ErrDeviceUnavailable
}
