// Package bridge relays published envelopes between publisher instances
// so a subscriber sees events no matter which instance it is attached to.
package bridge

import "github.com/blazeintel/rtssf/src/wire"

// Bridge defines cross-instance envelope broadcasting.
type Bridge interface {
	// Publish sends an envelope to all other instances.
	Publish(env wire.Envelope) error

	// Start begins listening for envelopes from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the Hub to receive relayed envelopes.
type BroadcastTarget interface {
	BroadcastToLocal(env wire.Envelope)
}
