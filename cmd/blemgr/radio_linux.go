//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/radio/bluez"
	"github.com/srg/blemgr/internal/radio/goble"
)

func powerWatcher(adapterPath string, logger *logrus.Logger) goble.PowerWatcher {
	return bluez.NewWatcher(adapterPath, logger)
}
