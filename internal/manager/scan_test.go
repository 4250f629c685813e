//go:build test

package manager_test

import (
	"errors"
	"time"

	"github.com/srg/blemgr/internal/adapter"
	"github.com/srg/blemgr/internal/backoff"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
)

func (suite *CoreTestSuite) TestStartScan() {
	// GOAL: Verify scan requests follow the adapter state
	//
	// TEST SCENARIO: each adapter state → StartScan → started / deferred / error / alreadyScanning

	suite.Run("deferred until powered on", func() {
		suite.SetupTest()

		suite.Require().NoError(suite.core.StartScan(10*time.Second), "settling adapter MUST NOT fail the request")
		suite.Assert().Equal([]events.ScanState{{IsScanning: false, Reason: events.ScanWaitingForPoweredOn}}, suite.events.Scans())
		suite.Assert().Zero(suite.radio.CountOf("StartScanning"))

		suite.powerOn()

		suite.Assert().True(suite.core.IsScanning(), "deferred scan MUST start on power-on")
		suite.Assert().Equal(1, suite.radio.CountOf("StartScanning"))

		suite.clock.Advance(10 * time.Second)
		suite.Assert().False(suite.core.IsScanning(), "deferred scan MUST keep its timeout")
	})

	suite.Run("deferred scan cancelled by stop", func() {
		suite.SetupTest()
		suite.Require().NoError(suite.core.StartScan(0))

		suite.core.StopScan()
		suite.powerOn()

		suite.Assert().False(suite.core.IsScanning())
		suite.Assert().Zero(suite.radio.CountOf("StartScanning"))
	})

	cases := []struct {
		state adapter.State
		code  device.ErrorCode
	}{
		{state: adapter.StatePoweredOff, code: device.CodeBluetoothOff},
		{state: adapter.StateUnauthorized, code: device.CodeUnauthorized},
		{state: adapter.StateUnsupported, code: device.CodeUnsupported},
	}
	for _, tc := range cases {
		suite.Run(string(tc.state), func() {
			suite.SetupTest()
			suite.core.OnAdapterStateChanged(tc.state)

			err := suite.core.StartScan(0)

			suite.Assert().Equal(tc.code, device.CodeOf(err), "MUST fail with %s", tc.code)
			suite.Assert().Empty(suite.events.Scans(), "MUST NOT emit scan events")
			suite.Assert().False(suite.core.IsScanning())
		})
	}

	suite.Run("already scanning", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.Require().NoError(suite.core.StartScan(0))

		suite.Require().NoError(suite.core.StartScan(0))

		suite.Assert().Equal([]events.ScanState{
			{IsScanning: true, Reason: events.ScanStarted},
			{IsScanning: true, Reason: events.ScanAlreadyScanning},
		}, suite.events.Scans())
		suite.Assert().Equal(1, suite.radio.CountOf("StartScanning"))
	})

	suite.Run("radio error", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.radio.FailNext("StartScanning", errors.New("scan busy"))

		err := suite.core.StartScan(0)

		suite.Assert().EqualError(err, "scan busy")
		suite.Assert().False(suite.core.IsScanning())
		suite.Assert().Empty(suite.events.Scans())
	})
}

func (suite *CoreTestSuite) TestStopScan() {
	// GOAL: Verify every way a scan ends stops the radio and flushes pending device changes
	//
	// TEST SCENARIO: scanning → stop / timeout / adapter loss → scanState{false, reason}

	suite.Run("user stop flushes the pending batch first", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.Require().NoError(suite.core.StartScan(0))
		suite.discover(sensorID, "Sensor-1", -65)
		suite.events.Reset()

		suite.core.StopScan()

		suite.assertEvents(suite.events.All(), `[
			{"name": "deviceBatch", "payload": {"updated": [{"deviceId": "`+sensorID+`"}], "removed": []}},
			{"name": "scanState", "payload": {"isScanning": false, "reason": "stopped"}}
		]`)
		suite.Assert().Equal(1, suite.radio.CountOf("StopScanning"))

		suite.core.StopScan()
		suite.Assert().Len(suite.events.Scans(), 1, "stopping an idle scan MUST be a no-op")
	})

	suite.Run("timeout", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.Require().NoError(suite.core.StartScan(5 * time.Second))

		suite.clock.Advance(5 * time.Second)

		suite.Assert().Equal(events.ScanState{IsScanning: false, Reason: events.ScanTimeout}, suite.events.Scans()[1])
		suite.Assert().Equal(1, suite.radio.CountOf("StopScanning"))
	})

	suite.Run("adapter lost", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.Require().NoError(suite.core.StartScan(0))
		suite.events.Reset()

		suite.powerOff()

		suite.Assert().Equal([]events.Event{
			events.AdapterState{State: adapter.StatePoweredOff},
			events.ScanState{IsScanning: false, Reason: events.ScanBluetoothUnavailable},
		}, suite.events.All())
		suite.Assert().Zero(suite.radio.CountOf("StopScanning"), "MUST NOT talk to a powered-off radio")

		suite.powerOn()
		suite.Assert().False(suite.core.IsScanning(), "interrupted scan MUST NOT restart on its own")
	})
}

func (suite *CoreTestSuite) TestReaper() {
	// GOAL: Verify stale devices are evicted while scanning and protected devices never are
	//
	// TEST SCENARIO: scan → devices stop advertising → after the threshold unprotected ones are removed and reported

	suite.Run("stale devices are removed", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.Require().NoError(suite.core.StartScan(0))
		suite.discover(sensorID, "Sensor-1", -65)
		suite.discover(hiddenID, "", -65)
		suite.discover(monitorID, "HR Monitor", -70)
		suite.connectVerified(monitorID)
		suite.clock.Advance(time.Second)
		suite.events.Reset()

		suite.clock.Advance(14 * time.Second)
		_, present := suite.core.Record(sensorID)
		suite.Assert().True(present, "MUST keep devices seen within the threshold")

		suite.clock.Advance(2 * time.Second)

		_, present = suite.core.Record(sensorID)
		suite.Assert().False(present, "stale device MUST be removed")
		_, present = suite.core.Record(hiddenID)
		suite.Assert().False(present, "stale hidden device MUST be removed")
		suite.Assert().Equal(device.StateConnectedVerified, suite.state(monitorID), "connected device MUST survive")

		suite.clock.Advance(250 * time.Millisecond)
		batches := suite.events.Batches()
		suite.Require().Len(batches, 1)
		suite.Assert().Equal([]string{sensorID}, batches[0].Removed, "only visible devices MUST be reported as removed")
		suite.Assert().Empty(batches[0].Updated)
	})

	suite.Run("rediscovery creates a fresh record", func() {
		suite.discover(sensorID, "Sensor-1", -50)

		rec := suite.record(sensorID)
		suite.Assert().Equal(device.StateIdle, rec.State)
		suite.Assert().Equal(-50, *rec.RSSI)
	})

	suite.Run("pending reconnect protects a device", func() {
		suite.SetupTest()
		suite.settings.Backoff = backoff.Policy{Base: 30 * time.Second, Max: 30 * time.Second, MaxAttempts: 5}
		suite.rebuild()
		suite.powerOn()
		suite.Require().NoError(suite.core.StartScan(0))
		suite.discover(sensorID, "Sensor-1", -65)
		suite.connectVerified(sensorID)
		suite.core.OnDisconnected(sensorID, errLinkLost)

		suite.clock.Advance(20 * time.Second)

		_, present := suite.core.Record(sensorID)
		suite.Assert().True(present, "device waiting on a retry MUST NOT be evicted")
	})

	suite.Run("only runs while scanning", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)

		suite.clock.Advance(time.Minute)

		_, present := suite.core.Record(sensorID)
		suite.Assert().True(present, "MUST NOT evict without a scan")
	})
}
