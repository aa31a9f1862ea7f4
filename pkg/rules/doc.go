// Package rules provides scripted correlation rules for pull
// synchronization.
//
// A correlation rule decides which internal entities an external record may
// correspond to. Beyond the built-in connObjectKey reverse lookup, operators
// can supply Starlark scripts that inspect the record and emit candidate
// lookups. Scripts are sandboxed: no filesystem, no network, and a hard
// evaluation timeout.
//
// A script receives the external record as the predeclared dict `obj` with
// the fields `class`, `key` and `attrs`, and must assign a list of lookup
// dicts to the global `candidates`:
//
//	mails = obj["attrs"].get("mail", [])
//	candidates = [{"attr": "email", "value": m} for m in mails]
//
// Each lookup is either {"key": k} for a direct entity fetch or
// {"attr": name, "value": v} for a plain attribute search.
package rules
