/*
Package scheme describes the field layout of a store's records.

A scheme is an ordered list of field descriptors. Each descriptor names the
field, gives its semantic type (string, u8, u16, u32, u64, i64), whether its
comparator is reversed, whether it is a key part (and at which key ordinal),
and whether it is an auto-populated timestamp.

Keys compose lexicographically in key-ordinal order; each field contributes
its own comparator. Key ordinals must be contiguous from zero.

The scheme is persisted as a YAML file inside the store directory and
validated on every open: the field set, types, and key layout must not
change across restarts. The upsert merge function is runtime state, bound
at open, and is never persisted.

# Upsert

A store whose scheme binds an UpsertFunc accepts Upsert writes. When a read
encounters an upsert chain it folds operands oldest-first into the base
value (nil base when the key had no prior version) by calling the bound
function once per operand.
*/
package scheme
