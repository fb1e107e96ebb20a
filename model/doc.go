// Package model defines the boundary types shared by the custody ledger, the
// receipt protocol engine and the peer transport.
//
// Ledger identity (statement payloads, content hashes, receipt identities) is
// unaffected by any projection of these structs. They are the only types
// intended for direct JSON/YAML serialization by consumers.
package model
