package events

import "testing"

func TestDeviceChannel(t *testing.T) {
	if got := DeviceChannel("abc"); got != "device:abc" {
		t.Errorf("DeviceChannel(abc) = %q", got)
	}
}
