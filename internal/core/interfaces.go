package core

// Frame is a raw payload written to a client socket.
type Frame []byte

// SessionID identifies one live store connection on the relay server.
type SessionID string
