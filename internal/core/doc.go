// Package core provides the domain models for dependency-discovering builds.
//
// # Core Types
//
// Rule: a build recipe mapping target patterns to the commands that produce them.
// DepRecord: a file observed while a rule ran, and whether the access found it.
// Fingerprint: the SHA-256 identity of "this rule, as currently written, applied to this target".
// DepStore: persistent fingerprint -> []DepRecord mapping consulted by every staleness check.
//
// # Design Principles
//
//  1. The fingerprint covers rule text and the concrete target only; file contents never enter it.
//  2. A stored record is only ever written after every command of a rule succeeded.
//  3. Store encodings are stable across process restarts.
package core
