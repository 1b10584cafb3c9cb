// Package discovery finds tentacle nodes on the local network with
// mDNS/DNS-SD.
//
// Nodes advertise the service type _tentacle._tcp. The instance name is
// "tentacle-" followed by the short peer id. TXT records carry:
//
//	id     full peer id (hex SHA-256 of the static public key)
//	v      discovery record version
//	proto  comma-separated protocol names (optional)
//
// The advertised peer id is a hint for dialing; the handshake verifies it
// when the caller pins the dial to it.
//
// Discovered peers are kept in a PeerBook, a bounded LRU keyed by peer id.
package discovery
