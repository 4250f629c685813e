//go:build test

package manager_test

import (
	"errors"
	"time"

	"github.com/srg/blemgr/internal/backoff"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/radio"
)

var errLinkLost = errors.New("link lost")

func (suite *CoreTestSuite) TestUnexpectedDisconnect() {
	// GOAL: Verify an unexpected drop schedules a reconnect and a successful one resets the counter
	//
	// TEST SCENARIO: verified → link lost → disconnected + connecting{attempt 1} → timer fires → reconnect verified → counter reset

	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)
	suite.connectVerified(sensorID)
	suite.events.Reset()
	suite.radio.ResetCalls()

	suite.core.OnDisconnected(sensorID, errLinkLost)

	suite.assertEvents(suite.connectionEvents(sensorID), `[
		{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "disconnected", "reason": "peripheralDisconnected", "error": "link lost"}},
		{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "connecting", "reason": "autoReconnect", "attempt": 1, "maxAttempts": 5, "nextDelayMs": 1000}}
	]`)
	suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))
	suite.Assert().Zero(suite.radio.CountOf("Connect"), "MUST wait for the backoff delay")

	suite.clock.Advance(999 * time.Millisecond)
	suite.Assert().Zero(suite.radio.CountOf("Connect"), "MUST NOT fire early")

	suite.clock.Advance(time.Millisecond)
	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("Connect"), "retry MUST dial")
	suite.Assert().Equal(device.StateConnecting, suite.state(sensorID))

	suite.core.OnConnected(sensorID)
	suite.core.OnServicesDiscovered(sensorID, []string{"180d"}, nil)
	suite.Assert().Equal(device.StateConnectedVerified, suite.state(sensorID))
	suite.Assert().Zero(suite.record(sensorID).ReconnectAttempt, "verification MUST reset the attempt counter")

	suite.core.OnDisconnected(sensorID, errLinkLost)
	suite.Assert().Equal(1, suite.lastConnection(sensorID).Attempt, "next drop MUST start over at attempt 1")
}

func (suite *CoreTestSuite) TestAbandonedLinkCallbacks() {
	// GOAL: Verify the terminal callback of a link the manager cancelled never touches the attempt that replaced it
	//
	// TEST SCENARIO: verification timeout → cancel → retry connecting → old link's disconnect arrives → dropped → new link verifies

	timedOut := func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.core.OnConnected(sensorID)
		suite.clock.Advance(6 * time.Second)
		suite.Require().Equal(device.StateFailed, suite.state(sensorID), "verification MUST time out")
		suite.clock.Advance(time.Second)
		suite.Require().Equal(device.StateConnecting, suite.state(sensorID), "retry MUST be dialling")
		suite.events.Reset()
		suite.radio.ResetCalls()
	}

	suite.Run("late disconnect after verification timeout", func() {
		timedOut()

		suite.core.OnDisconnected(sensorID, nil)

		suite.Assert().Equal(device.StateConnecting, suite.state(sensorID), "retry MUST survive the old link's disconnect")
		suite.Assert().Equal(1, suite.record(sensorID).ReconnectAttempt, "MUST NOT burn another attempt")
		suite.Assert().Empty(suite.events.Connection(sensorID), "MUST NOT emit for the old link")

		suite.core.OnConnected(sensorID)

		suite.Assert().Equal(device.StateConnectedUnverified, suite.state(sensorID), "new link MUST be verified, not cancelled")
		suite.Assert().Zero(suite.radio.CountOf("CancelConnection"))

		suite.core.OnServicesDiscovered(sensorID, []string{"180d"}, nil)
		suite.Assert().Equal(device.StateConnectedVerified, suite.state(sensorID))
	})

	suite.Run("teardown that never reports", func() {
		timedOut()

		suite.core.OnConnected(sensorID)
		suite.core.OnServicesDiscovered(sensorID, []string{"180d"}, nil)
		suite.Require().Equal(device.StateConnectedVerified, suite.state(sensorID))

		suite.core.OnDisconnected(sensorID, errLinkLost)

		last := suite.lastConnection(sensorID)
		suite.Assert().Equal(device.StateConnecting, last.State, "a later drop of the new link MUST be handled")
		suite.Assert().Equal(events.ReasonAutoReconnect, last.Reason)
		suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))
	})

	suite.Run("late dial failure after user disconnect", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.Require().NoError(suite.core.Disconnect(sensorID))
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.events.Reset()

		suite.core.OnConnectFailed(sensorID, errors.New("cancelled"))

		suite.Assert().Equal(device.StateConnecting, suite.state(sensorID), "fresh dial MUST NOT fail on the cancelled one's report")
		suite.Assert().Empty(suite.events.Connection(sensorID))

		suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))

		suite.Assert().Equal(device.StateFailed, suite.state(sensorID), "the fresh dial's own failure MUST count")
		suite.Assert().Equal(1, suite.lastConnection(sensorID).Attempt)
	})

	suite.Run("power loss forgets the teardown", func() {
		timedOut()
		suite.powerOff()
		suite.powerOn()
		suite.clock.Advance(time.Duration(suite.lastConnection(sensorID).NextDelayMs) * time.Millisecond)
		suite.Require().Equal(device.StateConnecting, suite.state(sensorID), "deferred retry MUST resume")

		suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))

		suite.Assert().Equal(device.StateFailed, suite.state(sensorID), "failure after power-on MUST be handled")
	})
}

func (suite *CoreTestSuite) TestMaxRetries() {
	// GOAL: Verify retries back off exponentially and stop after the maximum number of attempts
	//
	// TEST SCENARIO: connect fails → 5 retries each failing → delays 1s,2s,4s,8s,16s → failed{maxRetriesExceeded} → no more dials

	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)
	suite.Require().NoError(suite.core.Connect(sensorID))
	suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))

	var delays []int64
	for attempt := 1; attempt <= 5; attempt++ {
		announced := suite.lastConnection(sensorID)
		suite.Require().Equal(device.StateConnecting, announced.State)
		suite.Require().Equal(attempt, announced.Attempt, "attempt MUST count up")
		suite.Require().Equal(5, announced.MaxAttempts)
		delays = append(delays, announced.NextDelayMs)

		suite.clock.Advance(time.Duration(announced.NextDelayMs) * time.Millisecond)
		suite.Require().Equal(device.StateConnecting, suite.state(sensorID), "timer MUST start attempt %d", attempt)

		suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))
	}

	suite.Assert().Equal([]int64{1000, 2000, 4000, 8000, 16000}, delays)

	last := suite.lastConnection(sensorID)
	suite.Assert().Equal(device.StateFailed, last.State)
	suite.Assert().Equal(events.ReasonMaxRetriesExceeded, last.Reason)

	suite.clock.Advance(10 * time.Minute)
	suite.Assert().Equal(6, suite.radio.CountOf("Connect"), "MUST stop dialing after the last attempt")
	suite.Assert().Equal(device.StateFailed, suite.state(sensorID))

	suite.Run("fresh user connect starts a new cycle", func() {
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))

		suite.Assert().Equal(1, suite.lastConnection(sensorID).Attempt)
	})
}

func (suite *CoreTestSuite) TestBackoffCap() {
	// GOAL: Verify announced delays never exceed the configured maximum
	//
	// TEST SCENARIO: max delay 3s → delays 1s,2s,3s,3s,3s

	suite.settings.Backoff = backoff.Policy{Base: time.Second, Max: 3 * time.Second, MaxAttempts: 5, Jitter: 0.1}
	suite.rebuild()
	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)
	suite.Require().NoError(suite.core.Connect(sensorID))
	suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))

	var delays []int64
	for i := 0; i < 5; i++ {
		announced := suite.lastConnection(sensorID)
		delays = append(delays, announced.NextDelayMs)
		suite.clock.Advance(time.Duration(announced.NextDelayMs) * time.Millisecond)
		suite.core.OnConnectFailed(sensorID, errors.New("dial failed"))
	}

	suite.Assert().Equal([]int64{1000, 2000, 3000, 3000, 3000}, delays)
}

func (suite *CoreTestSuite) TestReconnectSuppression() {
	// GOAL: Verify nothing reconnects a device the user disconnected or that is not eligible
	//
	// TEST SCENARIO: pending retry + user disconnect → retry dropped; auto-reconnect disabled → no retry

	suite.Run("user disconnect cancels a pending retry", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.connectVerified(sensorID)
		suite.core.OnDisconnected(sensorID, errLinkLost)
		suite.Require().True(suite.record(sensorID).ReconnectTimer.Armed(), "retry MUST be pending")
		suite.radio.ResetCalls()

		suite.Require().NoError(suite.core.Disconnect(sensorID))
		suite.clock.Advance(time.Minute)

		suite.Assert().Zero(suite.radio.CountOf("Connect"), "user disconnect MUST win over the pending retry")
		last := suite.lastConnection(sensorID)
		suite.Assert().Equal(device.StateDisconnected, last.State)
		suite.Assert().Equal(events.ReasonUserDisconnected, last.Reason)
	})

	suite.Run("auto reconnect disabled", func() {
		suite.SetupTest()
		suite.settings.AutoReconnect = false
		suite.rebuild()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.connectVerified(sensorID)
		suite.radio.ResetCalls()

		suite.core.OnDisconnected(sensorID, errLinkLost)
		suite.clock.Advance(time.Minute)

		suite.Assert().Equal(device.StateDisconnected, suite.lastConnection(sensorID).State, "MUST NOT announce a retry")
		suite.Assert().Zero(suite.radio.CountOf("Connect"))
	})

	suite.Run("duplicate failure does not stack retries", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.connectVerified(sensorID)
		suite.radio.ResetCalls()

		suite.core.OnDisconnected(sensorID, errLinkLost)
		suite.core.OnDisconnected(sensorID, errLinkLost)
		suite.clock.Advance(time.Minute)

		suite.Assert().Equal(1, suite.radio.CountOf("Connect"), "MUST run a single retry")
	})
}

func (suite *CoreTestSuite) TestUserDisconnectSurvivesPowerCycleAndRestart() {
	// GOAL: Verify a user disconnect suppresses reconnects until the next user connect
	//
	// TEST SCENARIO: verified → user disconnect → power off/on → restart with known device → no dial → user connect lifts it

	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)
	suite.connectVerified(sensorID)
	suite.Require().NoError(suite.core.Disconnect(sensorID))
	suite.core.OnDisconnected(sensorID, nil)
	suite.events.Reset()
	suite.radio.ResetCalls()

	suite.powerOff()
	suite.powerOn()
	suite.clock.Advance(time.Minute)

	suite.Assert().Empty(suite.events.Connection(sensorID), "power cycle MUST NOT touch a user-disconnected device")
	suite.Assert().Zero(suite.radio.CountOf("Connect"))

	suite.Run("after restart", func() {
		suite.radio.Known = []radio.Peripheral{{Handle: radio.Handle(sensorID)}}
		suite.rebuild()
		suite.powerOn()
		suite.clock.Advance(time.Minute)

		suite.Assert().Equal(1, suite.radio.CountOf("RetrieveKnownPeripherals"), "MUST look up known devices")
		suite.Assert().Zero(suite.radio.CountOf("Connect"), "MUST NOT auto-connect a user-disconnected device")

		rec := suite.record(sensorID)
		suite.Assert().Equal("Sensor-1", rec.DisplayName, "stored name MUST be used when the OS has none")
		suite.Assert().Equal(device.NameSourcePeripheral, rec.NameSource)
	})

	suite.Run("user connect lifts the suppression", func() {
		suite.Require().NoError(suite.core.Connect(sensorID))

		persisted, err := suite.store.LoadUserDisconnected()
		suite.Require().NoError(err)
		suite.Assert().Empty(persisted)
		suite.Assert().Equal(1, suite.radio.CountOf("Connect"))
	})
}
