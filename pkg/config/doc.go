// Package config loads resource and schema configuration from YAML files.
//
// A configuration file declares external resources (connector settings plus
// per-kind provisions with attribute mappings) and virtual schemas. The
// loaded Store serves engine.ConfigSource lookups and, when watching is
// enabled, reloads the file on change and notifies subscribers about the
// resources whose configuration changed.
package config
