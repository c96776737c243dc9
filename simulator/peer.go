// Package simulator provides an in-memory stand-in for the SL811HS-class
// chip and the USB device wired to it, for use in tests and the
// sl811hsctl diagnostic tool's -sim mode. It is not part of the driver
// core; the core depends only on the narrow interfaces this package
// implements.
package simulator

// Peer is the abstract USB device attached to the simulated port. It plays
// the same role the driver core's production register window plays
// against real silicon: the simulator calls out to it for every
// transaction instead of putting bytes on a wire. Grounded in the same
// "narrow interface, real implementation vs. test double" shape as this
// dependency tree's packet-interface abstraction (ReadPacket/WritePacket),
// generalized here to Reset/Out/In.
type Peer interface {
	// Reset is called when the simulated bus drives a USB reset.
	Reset()
	// Out delivers an OUT or SETUP transaction to endpoint ep; data0
	// reports the toggle the host used. Returns the handshake PID the
	// device would have returned (ACK, NAK, STALL).
	Out(ep uint8, setup bool, data0 bool, data []byte) (handshake uint8)
	// In requests an IN transaction from endpoint ep. Returns the data
	// the device would return plus the handshake PID; for a NAK/STALL
	// response data is nil.
	In(ep uint8, data0 bool) (data []byte, handshake uint8)
}
