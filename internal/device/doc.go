// Package device holds the domain model of the BLE central session manager:
// peripheral snapshots, advertisement payloads, connection and radio states,
// the error taxonomy, and the Native contract implemented by radio backends.
//
// Types in this package carry no behavior beyond value semantics. Mutation of
// peripheral and connection state happens in the scanner and connection
// packages; everything handed out from there is a copy.
package device
