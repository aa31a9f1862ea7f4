// Package stores provides SQLite-backed persistence for entities, task
// definitions, execution history, and propagation outcomes.
//
// The store keeps the full entity document as JSON and flattens plain
// attribute values into a side table so connObjectKey reverse lookups hit an
// index instead of scanning documents. Schema management goes through
// embedded golang-migrate migrations; call Init then Migrate before first
// use.
package stores
