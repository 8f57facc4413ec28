// Package keyres resolves lock key templates against the named arguments of a
// guarded call.
//
// A template is a literal string with references of the form #name or {name}.
// A reference may walk into exported struct fields or string-keyed maps with a
// dotted path, for example "order:#order.ID" or "user:{user.id}". The sequences
// ##, {{ and }} produce a literal #, { and } respectively.
//
// Resolution is deterministic: the same template resolved against equal
// arguments always yields the same key. Values without a stable string form,
// such as maps, are rejected instead of being formatted.
package keyres
