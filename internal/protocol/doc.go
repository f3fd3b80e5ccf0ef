// Package protocol concerns itself primarily with DNS protocol-specific business logic. It decodes
// queries, decides the answer with the configured selection policy and encodes the authoritative
// reply sent back to the querying client.
package protocol
