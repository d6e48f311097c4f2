// Package relay implements the message relay between producers and controllers.
//
// A Relay owns the live connection table and two disjoint role sets. Every inbound
// frame is authenticated against a shared token; identify messages place a
// connection in a role set and start/stop commands are copied byte-for-byte to
// every open producer. Set mutation takes the write lock, fan-out snapshots the
// producer set under the read lock and sends outside of it.
package relay
