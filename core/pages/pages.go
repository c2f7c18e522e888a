// Package pages defines the identity types shared by every component of the
// page lifecycle core: page ids, (ledger, page) keys, and the result type of
// closed-page predicate queries.
package pages

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDSize is the length, in bytes, of locally generated page ids.
const IDSize = 16

// ID is the opaque identifier of a single page within a ledger. Ids supplied
// by clients may have any non-zero length; ids generated locally are always
// IDSize bytes of randomness.
type ID string

// NewID returns a fresh random page id. A page created under a NewID has, by
// construction, never been seen by any remote peer.
func NewID() ID {
	id := uuid.New()
	return ID(id[:])
}

// Hex returns the full hexadecimal form of the id.
func (id ID) Hex() string {
	return hex.EncodeToString([]byte(id))
}

// IDFromHex parses the form produced by Hex.
func IDFromHex(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode page id %q: %w", s, err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("decode page id: empty")
	}
	return ID(raw), nil
}

// Short returns an abbreviated hexadecimal form, suitable for log fields.
func (id ID) Short() string {
	const maxBytes = 4
	if len(id) <= maxBytes {
		return hex.EncodeToString([]byte(id))
	}
	return hex.EncodeToString([]byte(id[:maxBytes]))
}

// Key identifies a page across all ledgers of a repository.
type Key struct {
	Ledger string
	Page   ID
}

func (k Key) String() string {
	return k.Ledger + "/" + k.Page.Short()
}

// PredicateResult is the outcome of a closed-page predicate query. A query
// whose page was opened by an external request at any point during its
// evaluation reports PageOpened, overriding the computed boolean: the answer
// is meaningless under a concurrent open.
type PredicateResult int

const (
	PredicateYes PredicateResult = iota
	PredicateNo
	PredicatePageOpened
)

func (r PredicateResult) String() string {
	switch r {
	case PredicateYes:
		return "YES"
	case PredicateNo:
		return "NO"
	case PredicatePageOpened:
		return "PAGE_OPENED"
	default:
		return "UNKNOWN"
	}
}
