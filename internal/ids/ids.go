// Package ids generates the sortable identifiers used as storage keys for
// resources, fields, approval requests and audit events.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a ULID. Identifiers sort by creation time, which keeps audit
// listings and approval scans in chronological order without extra indexes.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IsValid reports whether s parses as a ULID. Handlers use it to reject
// malformed path identifiers before touching the store.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
