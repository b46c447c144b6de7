package balloon

import "errors"

var (
	// ErrHotplugUnsupported means hotplug was requested on a configuration
	// that disables it. The device list is left untouched.
	ErrHotplugUnsupported = errors.New("memory hotplug is not supported by this configuration")

	// ErrDeviceConflict means the device id collides with a live device.
	ErrDeviceConflict = errors.New("device id conflict")

	// ErrDeviceNotFound means no live device carries the id.
	ErrDeviceNotFound = errors.New("memory device not found")

	// ErrResizeFailed means the device rejected a requested-size change.
	ErrResizeFailed = errors.New("memory device resize failed")

	// ErrCreateFailed means the device could not be constructed.
	ErrCreateFailed = errors.New("memory device creation failed")
)
