// Package ledger implements the append-only record of call fingerprints.
//
// Each entry stores the on-chain fields of a call record, the fingerprint of
// its canonical form, and the SHA-256 of its predecessor, starting from
// GenesisHash. Rewriting any stored entry breaks the chain, which Verify
// detects.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - PostgresLedger: durable, for production use. Each deployment is a row
//     in the ledgers table whose ID is persisted in an address file and
//     reused across restarts (see LoadOrDeploy).
package ledger
