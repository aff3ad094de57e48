// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

// Status is the client's connection health as seen by the embedding
// application. Only the client itself mutates it; observers see
// changes via OnStatusChange in the order they occurred.
type Status int

const (
	// StatusDisconnected is the initial state and the state after
	// Disconnect. Also reached when every channel is down.
	StatusDisconnected Status = iota

	// StatusConnecting means Connect was called and no channel has
	// become healthy yet.
	StatusConnecting

	// StatusLive means at least the first channel is healthy. The
	// two channels are redundant, not additive: whichever opens
	// first sets Live and the other's readiness changes nothing.
	StatusLive

	// StatusDegraded means the uplink is down but the broadcast
	// channel still carries traffic. The uplink keeps retrying.
	StatusDegraded

	// StatusError is terminal: the gateway rejected the credential.
	// Never retried automatically.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusDegraded:
		return "degraded"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// event is a channel-lifecycle occurrence feeding the status machine.
type event int

const (
	// eventConnect is the Connect call itself.
	eventConnect event = iota

	// eventChannelHealthy is either channel completing its open.
	eventChannelHealthy

	// eventUplinkDown is the uplink channel closing or failing an
	// open attempt.
	eventUplinkDown

	// eventBroadcastDown is the broadcast channel closing.
	eventBroadcastDown

	// eventFatal is an unauthorized rejection.
	eventFatal

	// eventDisconnect is the Disconnect call.
	eventDisconnect
)

// nextStatus is the transition table. The uplinkOpen and
// broadcastOpen flags carry the cross-channel context some
// transitions need: a broadcast failure is absorbed silently while
// the uplink is open, and losing the last open channel falls all the
// way to Disconnected.
func nextStatus(current Status, e event, uplinkOpen, broadcastOpen bool) Status {
	// Terminal states yield only to an explicit disconnect.
	if current == StatusError && e != eventDisconnect {
		return current
	}

	switch e {
	case eventConnect:
		return StatusConnecting

	case eventChannelHealthy:
		// First healthy channel wins; a later channel's readiness
		// lands here too and changes nothing.
		return StatusLive

	case eventUplinkDown:
		if broadcastOpen {
			return StatusDegraded
		}
		return StatusDisconnected

	case eventBroadcastDown:
		if uplinkOpen {
			// Failover absorbed silently.
			return current
		}
		return StatusDisconnected

	case eventFatal:
		return StatusError

	case eventDisconnect:
		return StatusDisconnected
	}
	return current
}
