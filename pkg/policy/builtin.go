package policy

// GetBuiltinPolicies returns the policies compiled into the binary.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		entityIntegrityPolicy(),
		protectedRealmPolicy(),
	}
}

// entityIntegrityPolicy refuses dispatches for entities that cannot be
// identified externally.
func entityIntegrityPolicy() Policy {
	return Policy{
		Name:        "entity-integrity",
		Description: "Refuses propagation of entities without a key",
		Enabled:     true,
		Tags:        []string{"integrity"},
		Rego: `package idsync.policies.integrity

import rego.v1

deny contains msg if {
	input.entity.key == ""
	msg := "entity has no key"
}

deny contains msg if {
	not input.entity.key
	msg := "entity has no key"
}
`,
	}
}

// protectedRealmPolicy keeps external accounts of protected realms alive.
func protectedRealmPolicy() Policy {
	return Policy{
		Name:        "protected-realm-deletes",
		Description: "Refuses DELETE propagation for entities in protected realms",
		Enabled:     true,
		Tags:        []string{"realms", "deletes"},
		Rego: `package idsync.policies.realms

import rego.v1

deny contains msg if {
	input.operation == "DELETE"
	startswith(input.entity.realm, "/protected")
	msg := sprintf("realm %s forbids external deletes", [input.entity.realm])
}
`,
	}
}
