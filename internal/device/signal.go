package device

// RSSIUnavailable is the sentinel the radio reports when no reading exists.
const RSSIUnavailable = 127

// SignalBars maps an RSSI reading in dBm to a 0-4 bar indicator.
func SignalBars(rssi *int) int {
	if rssi == nil {
		return 0
	}
	switch v := *rssi; {
	case v >= -60:
		return 4
	case v >= -70:
		return 3
	case v >= -80:
		return 2
	case v >= -90:
		return 1
	default:
		return 0
	}
}
