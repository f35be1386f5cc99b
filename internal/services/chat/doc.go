// Package chat implements realtime conversations and presence.
//
// Sessions hold websocket connections, the directory and ledger own durable
// conversation state, and the broadcaster relays committed changes to every
// instance so room members observe them in commit order.
package chat
