// Package cloudsync carries sync markers between a repository and its cloud
// endpoint over HTTP/3. The uplink batches markers for pages whose local
// state should be uploaded; the sink is the receiving end, used by the dev
// cloud endpoint and by tests.
package cloudsync

import (
	"encoding/json"
	"fmt"

	"github.com/sushant-115/pagesync/core/pages"
)

// Marker names one page whose local state should be uploaded. Page ids travel
// in hexadecimal so markers stay printable end to end.
type Marker struct {
	Ledger string `json:"ledger"`
	Page   string `json:"page"`
}

func markerForKey(key pages.Key) Marker {
	return Marker{Ledger: key.Ledger, Page: key.Page.Hex()}
}

// Key decodes the marker back into the page key it names.
func (m Marker) Key() (pages.Key, error) {
	if m.Ledger == "" {
		return pages.Key{}, fmt.Errorf("marker without ledger name")
	}
	id, err := pages.IDFromHex(m.Page)
	if err != nil {
		return pages.Key{}, err
	}
	return pages.Key{Ledger: m.Ledger, Page: id}, nil
}

func encodeMarker(key pages.Key) ([]byte, error) {
	return json.Marshal(markerForKey(key))
}

func decodeMarker(raw []byte) (Marker, error) {
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	if m.Ledger == "" || m.Page == "" {
		return Marker{}, fmt.Errorf("decode marker: missing fields in %q", raw)
	}
	return m, nil
}
