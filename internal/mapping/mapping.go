// Package mapping persists the link between a ledger index and the content
// address of the record's off-chain payload.
//
// The file holds a single JSON object keyed by decimal index:
//
//	{"0":"Qm111","1":"Qm222"}
//
// Earlier deployments appended one JSON object per line instead
// ({"idx":0,"ipfs_cid":"Qm111"}). Open migrates such files on startup.
package mapping
