package device

import "strings"

// ResolveName picks the user-facing name of a peripheral. The advertised
// local name wins over the name the OS reports for the peripheral; when both
// are blank the device has no name and stays hidden.
func ResolveName(advertisementName, peripheralName string) (string, NameSource) {
	if n := strings.TrimSpace(advertisementName); n != "" {
		return n, NameSourceAdvertisement
	}
	if n := strings.TrimSpace(peripheralName); n != "" {
		return n, NameSourcePeripheral
	}
	return "", NameSourceNone
}
