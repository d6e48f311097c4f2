// Package websocket adapts gorilla/websocket connections to the relay.
//
// Handler upgrades requests and runs one read loop per connection; each
// connection's peer owns a writer goroutine that drains a bounded queue and
// pings on a clock-driven ticker. Limits and NewCheckOrigin are the admission
// guards applied in front of the upgrade.
package websocket
