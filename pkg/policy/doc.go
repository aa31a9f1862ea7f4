// Package policy evaluates provisioning policies written in Rego.
//
// Policies inspect one pending propagation dispatch (entity, resource,
// operation) and may veto it. A veto surfaces as a REFUSED propagation
// status; it never fails the internal mutation. Policies load from built-in
// definitions and from .rego files on disk.
package policy
