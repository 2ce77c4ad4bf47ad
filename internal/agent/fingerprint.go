// File: internal/agent/fingerprint.go
package agent

import (
	"fmt"
	"hash/fnv"
)

// DomSnapshot is a content fingerprint of an accessibility snapshot. Two
// snapshots compare equal iff their fingerprints match; the fingerprint is
// the only state kept, never the tree itself.
type DomSnapshot struct {
	hash uint64
}

// SnapshotOf fingerprints an observed accessibility tree. The input is
// stringified first so degraded captures (error placeholders) fingerprint
// consistently too.
func SnapshotOf(accessibility any) DomSnapshot {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", accessibility)
	return DomSnapshot{hash: h.Sum64()}
}

// Equals reports whether two snapshots carry identical content fingerprints.
func (s DomSnapshot) Equals(other DomSnapshot) bool {
	return s.hash == other.hash
}

// HasChanged reports whether the page content moved between two snapshots.
func HasChanged(before, after DomSnapshot) bool {
	return !before.Equals(after)
}
