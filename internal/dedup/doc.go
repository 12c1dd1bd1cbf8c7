// Copyright (C) 2024 The dedup Authors

// dedup is the deduplicating block engine behind the device. It maps logical
// block addresses to content-addressed blocks in a transactional store, so
// identical block contents written anywhere on the device are stored once
// and shared through reference counts. Blocks whose count drops to zero are
// reclaimed inside the transaction that dropped them.
//
// dedup defines two seams. The metastore interface abstracts the
// transactional store, with an SQLite implementation for persistent devices
// and an in-memory one for ephemeral devices and tests. The fingerprint
// interface abstracts content hashing. Either part can be swapped just by
// implementing the corresponding interface.
package dedup
