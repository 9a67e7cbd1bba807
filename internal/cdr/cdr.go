// Package cdr parses call-detail records from the source log and computes
// their canonical form and fingerprint.
//
// The canonical form is what gets stored off-chain and what the ledger's
// fingerprint is computed over. Verification rebuilds it from the fetched
// payload using the same code, so any change here invalidates every
// fingerprint already on the ledger.
package cdr
