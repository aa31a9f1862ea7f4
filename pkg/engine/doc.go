// Package engine implements the identity provisioning core: mapping between
// internal and external attribute namespaces, on-demand caching of virtual
// attribute values, correlation of external records to internal entities,
// outbound propagation of internal mutations, and the pull/push task runner
// that drives all of it.
//
// Components are wired by explicit construction: each one takes its
// collaborators (EntityStore, ConnectorGateway, ConfigSource, ...) as
// constructor arguments. Pluggable correlation rules and task actions are
// resolved through a named-implementation Registry populated at process
// start.
//
// Control flow:
//
//	TaskRunner ──push──> MatchingEngine ─> PropagationCoordinator ─> ConnectorGateway
//	TaskRunner ──pull──> ConnectorGateway ─> MatchingEngine ─> EntityStore
//	                                                        └> VirAttrCache (invalidate)
//	MappingResolver <── MatchingEngine, PropagationCoordinator
//	VirAttrCache    <── MappingResolver (virtual attribute reads)
package engine
