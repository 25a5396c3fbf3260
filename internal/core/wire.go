package core

// Relay HTTP wire names shared by the server adapters and the relay client.
const (
	HeaderVersion    = "X-Payload-Version"
	HeaderTitle      = "X-Session-Title"
	HeaderMaxViewers = "X-Max-Viewers"
	HeaderViewers    = "X-Viewers"

	// RoleHost on a payload fetch marks the host heartbeat; the caller is not
	// counted as a viewer.
	RoleHost = "host"
)

// Websocket close codes sent when a push subscription is refused after the
// upgrade.
const (
	CloseGone      = 4410
	CloseExhausted = 4429
)
