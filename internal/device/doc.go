// Package device holds the per-peripheral data model of the connection
// manager: the mutable DeviceRecord owned by the manager's event loop, the
// read-only Snapshot handed to consumers, the connection lifecycle states,
// the display-name resolver and the (code, message) error taxonomy.
//
// Nothing in this package is safe for concurrent use except Snapshot values,
// which are plain copies.
package device
