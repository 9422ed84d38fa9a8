package sandbox

import (
	"crypto/rand"
	"encoding/hex"
)

// TrackId identifies a long-lived research session bound to one container.
type TrackId int64

// ContainerId identifies a managed container record.
type ContainerId int64

// WorkspaceId identifies the top-level multi-tenant unit.
type WorkspaceId int64

// ConsoleSessionId is an opaque session identifier assigned by the RPC
// server on console_create.
type ConsoleSessionId string

// Token is an opaque RPC credential returned by login.
type Token string

// CommandId is a 16-character lowercase hex string derived from 8
// cryptographically random bytes, identifying one command invocation.
type CommandId string

// NewCommandId allocates a fresh CommandId.
func NewCommandId() CommandId {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is broken, which we cannot recover from anyway.
		panic("sandbox: crypto/rand unavailable: " + err.Error())
	}
	return CommandId(hex.EncodeToString(buf[:]))
}

// Endpoint is the host/port of an in-container RPC server, as resolved by
// a ContainerRuntime's ResolveRPCEndpoint.
type Endpoint struct {
	Host string
	Port int
}
