// Package signaling is the duplex transport edge of the call relay.
//
// Server upgrades /ws requests to WebSocket connections, decodes client
// events and dispatches them to the call controller. Router forwards WebRTC
// offer, answer and ICE candidate payloads between the two parties of a call
// on a best-effort basis.
package signaling
