package hub

// ClientConnection is the hub's view of a connected client. Implementations
// own the transport; Send must never block the router (buffer or drop per
// connection policy) and returns an error when the frame was not accepted.
type ClientConnection interface {
	ID() string
	Send(data []byte) error
	IsOpen() bool
	Metadata() map[string]string
}
