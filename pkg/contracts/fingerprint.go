package contracts

import "time"

// Fingerprint records the SHA-256 hash of a production file's bytes at
// the last successful write. Fingerprints are authoritative for change
// detection; filesystem mtimes are advisory. Divergence between a
// file's current hash and its fingerprint indicates external tampering
// (drift).
type Fingerprint struct {
	Path       string    `json:"path"`
	Hash       string    `json:"hash"`
	ModifiedAt time.Time `json:"modified_at"`
}
