//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/radio/goble"
)

// No out-of-band power source exists here: a powered-off adapter surfaces
// as a scan or dial error and the radio re-probes until it opens again.
func powerWatcher(string, *logrus.Logger) goble.PowerWatcher {
	return nil
}
