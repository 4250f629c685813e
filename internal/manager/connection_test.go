//go:build test

package manager_test

import (
	"errors"
	"strings"
	"time"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/events"
	"github.com/srg/blemgr/internal/radio"
	"github.com/srg/blemgr/internal/testutils"
)

func (suite *CoreTestSuite) TestConnectValidation() {
	// GOAL: Verify request-time validation errors are returned synchronously and change nothing
	//
	// TEST SCENARIO: Invalid requests in validation order → matching error code → no event, no radio call, record untouched

	suite.discover(hiddenID, "", -50)

	suite.Run("adapter not ready is checked first", func() {
		suite.events.Reset()

		err := suite.core.Connect("bad-uuid")

		suite.Assert().Equal(device.CodeBluetoothUnavailable, device.CodeOf(err), "MUST fail with bluetooth_unavailable before parsing the id")
		suite.Assert().Empty(suite.events.All(), "MUST NOT emit events")
	})

	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)

	cases := []struct {
		name string
		id   string
		code device.ErrorCode
	}{
		{name: "malformed id", id: "bad-uuid", code: device.CodeInvalidDeviceID},
		{name: "empty id", id: "  ", code: device.CodeInvalidDeviceID},
		{name: "unknown device", id: monitorID, code: device.CodeDeviceNotFound},
		{name: "hidden device", id: hiddenID, code: device.CodeUnnamedDeviceHidden},
	}
	for _, tc := range cases {
		suite.Run(tc.name, func() {
			suite.events.Reset()
			suite.radio.ResetCalls()

			err := suite.core.Connect(tc.id)

			suite.Assert().Equal(tc.code, device.CodeOf(err), "MUST fail with %s", tc.code)
			suite.Assert().Empty(suite.events.All(), "MUST NOT emit events")
			suite.Assert().Zero(suite.radio.CountOf("Connect"), "MUST NOT reach the radio")
		})
	}

	suite.Assert().Equal(device.StateIdle, suite.state(hiddenID), "rejected device MUST stay idle")

	suite.Run("disconnect validation", func() {
		suite.events.Reset()

		suite.Assert().Equal(device.CodeInvalidDeviceID, device.CodeOf(suite.core.Disconnect("bad-uuid")))
		suite.Assert().Equal(device.CodeDeviceNotFound, device.CodeOf(suite.core.Disconnect(monitorID)))
		suite.Assert().Empty(suite.events.All(), "MUST NOT emit events")
	})
}

func (suite *CoreTestSuite) TestConnectLifecycle() {
	// GOAL: Verify a user connect passes through verification before it is usable
	//
	// TEST SCENARIO: connect → didConnect → services discovered → connecting → connectedUnverified → connectedVerified

	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)
	suite.events.Reset()

	suite.Require().NoError(suite.core.Connect(strings.ToLower(sensorID)), "MUST accept a lower-case id")
	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("Connect"), "MUST issue the OS connect")

	suite.core.OnConnected(sensorID)
	suite.Assert().True(suite.record(sensorID).IsConnected)
	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("DiscoverServices"), "MUST start verification")

	suite.core.OnServicesDiscovered(sensorID, []string{"180d", "180f"}, nil)

	suite.assertEvents(suite.connectionEvents(sensorID), `[
		{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "connecting", "reason": "userRequested"}},
		{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "connectedUnverified", "reason": "connected"}},
		{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "connectedVerified", "reason": "verified"}}
	]`)

	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("DiscoverCharacteristics"), "MUST probe characteristics")
	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("ReadRSSI"), "MUST probe signal strength")

	suite.Run("verification deadline is cancelled", func() {
		suite.clock.Advance(time.Minute)

		suite.Assert().Equal(device.StateConnectedVerified, suite.state(sensorID), "verified device MUST stay verified")
		suite.Assert().Len(suite.events.Connection(sensorID), 3, "MUST NOT emit further transitions")
	})

	suite.Run("repeat connect is a no-op", func() {
		suite.Require().NoError(suite.core.Connect(sensorID))

		suite.Assert().Len(suite.radio.CallsTo("Connect"), 1, "MUST NOT issue a second OS connect")
		suite.Assert().Len(suite.events.Connection(sensorID), 3, "MUST NOT emit an event")
	})

	suite.Run("best-effort probes never affect the verified state", func() {
		suite.core.OnCharacteristicsDiscovered(sensorID, 0, errors.New("gatt busy"))
		suite.core.OnRSSIRead(sensorID, nil, errors.New("rssi unavailable"))

		suite.Assert().Equal(device.StateConnectedVerified, suite.state(sensorID))
	})
}

func (suite *CoreTestSuite) TestRadioIdentifiersAreCanonical() {
	// GOAL: Verify identifiers reported by the radio address the same record as user requests
	//
	// TEST SCENARIO: lower-case discovery → one upper-case record → connect by either spelling → lower-case callbacks drive it → malformed ids dropped

	lower := strings.ToLower(sensorID)
	suite.powerOn()
	suite.discover(lower, "Sensor-1", -65)
	suite.discover(sensorID, "Sensor-1", -60)

	visible := suite.core.VisibleDevices()
	suite.Require().Len(visible, 1, "both spellings MUST merge into one record")
	suite.Assert().Equal(sensorID, visible[0].DeviceID)

	suite.Require().NoError(suite.core.Connect(lower), "MUST find a device the radio reported in lower case")
	suite.Assert().Equal(device.StateConnecting, suite.state(sensorID))

	suite.core.OnConnected(lower)
	suite.core.OnServicesDiscovered(lower, []string{"180d"}, nil)
	suite.core.OnRSSIRead(lower, testutils.IntPtr(-48), nil)

	suite.Assert().Equal(device.StateConnectedVerified, suite.state(sensorID))
	suite.Assert().Equal(map[string]string{sensorID: "Sensor-1"}, suite.core.KnownDevices(), "MUST persist the canonical id")
	suite.Assert().Equal(-48, *suite.record(sensorID).RSSI, "RSSI callback MUST reach the canonical record")

	suite.core.OnDisconnected(lower, errLinkLost)
	suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))

	suite.Run("malformed ids are dropped", func() {
		suite.events.Reset()

		suite.discover("AA:BB:CC:DD:EE:FF", "Impostor", -40)
		suite.core.OnConnected("not-a-uuid")
		suite.core.OnDisconnected("", errLinkLost)

		suite.Assert().Len(suite.core.VisibleDevices(), 1, "MUST NOT register an unparseable id")
		suite.Assert().Empty(suite.events.Connection("not-a-uuid"))
		suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))
	})
}

func (suite *CoreTestSuite) TestConnectWhileOSConnected() {
	// GOAL: Verify a link the OS already holds is re-verified instead of trusted
	//
	// TEST SCENARIO: OS reports connected → connect → connectedUnverified{alreadyConnected} without OS connect → discovery

	suite.powerOn()
	suite.core.OnDiscovered(radio.Discovery{
		ID:                sensorID,
		Handle:            radio.Handle(sensorID),
		AdvertisementName: "Sensor-1",
		OSConnected:       true,
	})
	suite.events.Reset()

	suite.Require().NoError(suite.core.Connect(sensorID))

	last := suite.lastConnection(sensorID)
	suite.Assert().Equal(device.StateConnectedUnverified, last.State)
	suite.Assert().Equal(events.ReasonAlreadyConnected, last.Reason)
	suite.Assert().Zero(suite.radio.CountOf("Connect"), "MUST NOT dial an existing link")
	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("DiscoverServices"), "MUST verify immediately")
}

func (suite *CoreTestSuite) TestVerificationFailure() {
	// GOAL: Verify every verification failure ends in failed, drops the link and hands off to the scheduler
	//
	// TEST SCENARIO: connectedUnverified → timeout / error / no services → failed → OS cancel → reconnect announced

	setup := func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.core.OnConnected(sensorID)
		suite.events.Reset()
		suite.radio.ResetCalls()
	}

	suite.Run("deadline elapses", func() {
		setup()

		suite.clock.Advance(5 * time.Second)
		suite.Assert().Equal(device.StateConnectedUnverified, suite.state(sensorID), "MUST wait for the full deadline")

		suite.clock.Advance(time.Second)

		suite.assertEvents(suite.connectionEvents(sensorID), `[
			{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "failed", "reason": "verificationTimeout", "error": "timeout"}},
			{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "connecting", "reason": "autoReconnect", "attempt": 1, "maxAttempts": 5, "nextDelayMs": 1000}}
		]`)
		suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("CancelConnection"), "MUST force the OS link down")
		suite.Assert().Equal(device.StateFailed, suite.state(sensorID), "record MUST stay failed until the retry fires")
		suite.Assert().False(suite.record(sensorID).IsConnected)

		suite.clock.Advance(time.Second)

		last := suite.lastConnection(sensorID)
		suite.Assert().Equal(device.StateConnecting, last.State)
		suite.Assert().Equal(events.ReasonAutoReconnect, last.Reason)
		suite.Assert().Equal(1, last.Attempt)
		suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("Connect"), "retry MUST reach the radio")
	})

	suite.Run("discovery error", func() {
		setup()

		suite.core.OnServicesDiscovered(sensorID, nil, errors.New("gatt error"))

		evs := suite.events.Connection(sensorID)
		suite.Require().Len(evs, 2)
		suite.Assert().Equal(device.StateFailed, evs[0].State)
		suite.Assert().Equal(events.ReasonVerificationFailed, evs[0].Reason)
		suite.Assert().Equal("gatt error", evs[0].Error)
		suite.Assert().Equal(1, evs[1].Attempt, "MUST announce the first retry")
	})

	suite.Run("no services", func() {
		setup()

		suite.core.OnServicesDiscovered(sensorID, nil, nil)

		evs := suite.events.Connection(sensorID)
		suite.Require().NotEmpty(evs)
		suite.Assert().Equal(device.StateFailed, evs[0].State)
		suite.Assert().Equal(events.ReasonVerificationFailed, evs[0].Reason)
	})

	suite.Run("discovery request rejected", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.radio.FailNext("DiscoverServices", errors.New("not connected"))

		suite.core.OnConnected(sensorID)

		suite.Assert().Equal(device.StateFailed, suite.state(sensorID))
		suite.Assert().Equal(device.StateConnecting, suite.lastConnection(sensorID).State, "retry MUST be announced")
	})

	suite.Run("late discovery after failure is ignored", func() {
		setup()
		suite.clock.Advance(6 * time.Second)

		suite.core.OnServicesDiscovered(sensorID, []string{"180d"}, nil)

		suite.Assert().Equal(device.StateFailed, suite.state(sensorID), "MUST NOT verify a failed record")
	})

	suite.Run("link dropped during verification", func() {
		setup()

		suite.core.OnDisconnected(sensorID, errors.New("supervision timeout"))
		suite.core.OnServicesDiscovered(sensorID, []string{"180d"}, nil)

		evs := suite.events.Connection(sensorID)
		suite.Require().NotEmpty(evs)
		suite.Assert().Equal(device.StateDisconnected, evs[0].State)
		suite.Assert().Equal(events.ReasonPeripheralDisconnected, evs[0].Reason)
		suite.Assert().NotEqual(device.StateConnectedVerified, suite.state(sensorID), "MUST NOT skip verification")
	})
}

func (suite *CoreTestSuite) TestConnectFailure() {
	// GOAL: Verify connect failures are only observable as events
	//
	// TEST SCENARIO: OS connect fails (async or rejected) → failed{connectFailed} → reconnect announced; Connect returns nil

	setup := func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))
		suite.core.OnConnected(sensorID)
		suite.events.Reset()
		suite.radio.ResetCalls()
	}

	suite.Run("failure callback", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))

		suite.core.OnConnectFailed(sensorID, errors.New("dial timeout"))

		suite.Assert().Equal([]device.ConnState{
			device.StateConnecting,
			device.StateFailed,
			device.StateConnecting,
		}, suite.connectionStates(sensorID))
		evs := suite.events.Connection(sensorID)
		suite.Assert().Equal(events.ReasonConnectFailed, evs[1].Reason)
		suite.Assert().Equal("dial timeout", evs[1].Error)
		suite.Assert().Equal(int64(1000), evs[2].NextDelayMs)
	})

	suite.Run("request rejected by the radio", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.radio.FailNext("Connect", errors.New("busy"))

		err := suite.core.Connect(sensorID)

		suite.Assert().NoError(err, "asynchronous failures MUST NOT be returned to the caller")
		suite.Assert().Equal(device.StateFailed, suite.state(sensorID))
		suite.Assert().Equal(events.ReasonAutoReconnect, suite.lastConnection(sensorID).Reason)
	})

	suite.Run("discovery after the link dropped is ignored", func() {
		setup()
		suite.core.OnDisconnected(sensorID, errLinkLost)
		suite.events.Reset()

		suite.core.OnServicesDiscovered(sensorID, []string{"180d"}, nil)

		suite.Assert().Empty(suite.events.Connection(sensorID), "MUST NOT verify a link that is gone")
		suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))
		suite.Assert().Empty(suite.core.KnownDevices(), "MUST NOT remember an unverified device")
	})

	suite.Run("stray failure callback is ignored", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.events.Reset()

		suite.core.OnConnectFailed(sensorID, errors.New("late"))

		suite.Assert().Empty(suite.events.Connection(sensorID))
		suite.Assert().Equal(device.StateIdle, suite.state(sensorID))
	})
}

func (suite *CoreTestSuite) TestDisconnect() {
	// GOAL: Verify user disconnects complete without triggering automatic reconnects
	//
	// TEST SCENARIO: disconnect → disconnecting → OS callback → disconnected{userDisconnected} → no retry

	suite.Run("connected device", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.connectVerified(sensorID)
		suite.events.Reset()

		suite.Require().NoError(suite.core.Disconnect(sensorID))

		suite.Assert().Equal(device.StateDisconnecting, suite.state(sensorID))
		suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("CancelConnection"))
		persisted, err := suite.store.LoadUserDisconnected()
		suite.Require().NoError(err)
		suite.Assert().Equal([]string{sensorID}, persisted, "MUST persist the user disconnect")

		suite.core.OnDisconnected(sensorID, nil)
		suite.clock.Advance(time.Minute)

		suite.assertEvents(suite.connectionEvents(sensorID), `[
			{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "disconnecting", "reason": "userDisconnected"}},
			{"name": "connectionState", "payload": {"deviceId": "`+sensorID+`", "state": "disconnected", "reason": "userDisconnected"}}
		]`)
		suite.Assert().False(suite.record(sensorID).UserInitiatedDisconnect, "flag MUST be cleared once the disconnect completes")
	})

	suite.Run("already disconnected device", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.events.Reset()

		suite.Require().NoError(suite.core.Disconnect(sensorID))

		suite.Assert().Equal([]device.ConnState{device.StateDisconnected}, suite.connectionStates(sensorID))
		suite.Assert().Zero(suite.radio.CountOf("CancelConnection"), "MUST NOT cancel a link that does not exist")
		rec := suite.record(sensorID)
		suite.Assert().False(rec.UserInitiatedDisconnect, "short-circuit MUST clear the flag")
		suite.Assert().Zero(rec.ReconnectAttempt)
	})

	suite.Run("pending connect is cancelled", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.Require().NoError(suite.core.Connect(sensorID))

		suite.Require().NoError(suite.core.Disconnect(sensorID))

		suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("CancelConnection"))
		suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))

		// The OS may still complete the dial; nobody wants that link.
		suite.radio.ResetCalls()
		suite.core.OnConnected(sensorID)
		suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("CancelConnection"), "late link MUST be cancelled")
		suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))
	})

	suite.Run("cancel rejected completes locally", func() {
		suite.SetupTest()
		suite.powerOn()
		suite.discover(sensorID, "Sensor-1", -65)
		suite.connectVerified(sensorID)
		suite.radio.FailNext("CancelConnection", errors.New("gone"))

		suite.Require().NoError(suite.core.Disconnect(sensorID))

		suite.Assert().Equal(device.StateDisconnected, suite.state(sensorID))
		suite.Assert().False(suite.record(sensorID).IsConnected)
	})
}

func (suite *CoreTestSuite) TestConnectDuringDisconnect() {
	// GOAL: Verify a connect issued while a user disconnect is in flight runs after it completes
	//
	// TEST SCENARIO: verified → disconnect → connect (queued) → OS disconnect callback → disconnected → connecting{userRequested}

	suite.powerOn()
	suite.discover(sensorID, "Sensor-1", -65)
	suite.connectVerified(sensorID)
	suite.Require().NoError(suite.core.Disconnect(sensorID))
	suite.events.Reset()
	suite.radio.ResetCalls()

	suite.Require().NoError(suite.core.Connect(sensorID))
	suite.Assert().Empty(suite.events.Connection(sensorID), "queued connect MUST NOT emit yet")
	suite.Assert().Zero(suite.radio.CountOf("Connect"), "queued connect MUST NOT dial yet")

	persisted, err := suite.store.LoadUserDisconnected()
	suite.Require().NoError(err)
	suite.Assert().Empty(persisted, "fresh connect MUST lift the user-disconnect suppression")

	suite.core.OnDisconnected(sensorID, nil)

	evs := suite.events.Connection(sensorID)
	suite.Require().Len(evs, 2)
	suite.Assert().Equal(device.StateDisconnected, evs[0].State)
	suite.Assert().Equal(device.StateConnecting, evs[1].State)
	suite.Assert().Equal(events.ReasonUserRequested, evs[1].Reason)
	suite.Assert().Equal([]string{sensorID}, suite.radio.CallsTo("Connect"))
}
