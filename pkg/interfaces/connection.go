package interfaces

// Connection is a borrowed handle to a client connection.
// ARCHITECTURAL DISCOVERY: The coordinator only ever delivers frames through
// it; the gateway owns the socket lifecycle, so there is no Close here
type Connection interface {
	// ID identifies this particular connection, distinct across reconnects
	// of the same user.
	ID() string

	// Send queues one encoded frame for delivery. Implementations must be
	// safe for concurrent use and must fail fast once the connection is gone.
	Send(frame []byte) error
}
