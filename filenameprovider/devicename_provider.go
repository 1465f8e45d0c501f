package filenameprovider

import "fmt"

// DeviceNameProvider names files after the device verbatim. Collision safety
// is the caller's responsibility, the provider adds no uniqueness.
type DeviceNameProvider struct{}

// Filename returns the device name unchanged. Calling without a device name
// is a usage error, not a metadata problem.
func (DeviceNameProvider) Filename(deviceName string) (string, error) {
	if deviceName == "" {
		return "", fmt.Errorf("%w when calling DeviceNameProvider", ErrDeviceNameRequired)
	}
	return deviceName, nil
}
