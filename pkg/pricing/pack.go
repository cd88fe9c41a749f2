// Package pricing models pricing packs: opaque identifiers naming immutable
// price/FX/fundamentals snapshots. The core never holds pack bytes; it
// threads ids through every step so a whole execution is reproducible against
// one snapshot, and broadcasts rollovers so caches can drop entries keyed to
// superseded packs.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IDPrefix is the conventional pack id prefix (PP_2025-06-30). The convention
// is not enforced: hosts may mint ids however they like, the core only needs
// equality and the optional embedded date.
const IDPrefix = "PP_"

const dateLayout = "2006-01-02"

var ErrEmptyPackID = errors.New("empty pricing pack id")

// Pack is the core's view of one snapshot: id plus advisory metadata.
type Pack struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date,omitempty"`
	Description string    `json:"description,omitempty"`

	// Supersedes names the pack this one replaced at activation, forming the
	// rollover chain.
	Supersedes string `json:"supersedes,omitempty"`
}

// Validate checks the minimum the core relies on: a non-empty id.
func (p Pack) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrEmptyPackID
	}
	return nil
}

// ParseID extracts the embedded snapshot date from a conventional id.
// Unconventional ids are not an error, they just carry no date.
func ParseID(id string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(id, IDPrefix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NewPack builds a conventional pack for a snapshot date.
func NewPack(date time.Time, description string) Pack {
	d := date.UTC().Truncate(24 * time.Hour)
	return Pack{
		ID:          fmt.Sprintf("%s%s", IDPrefix, d.Format(dateLayout)),
		Date:        d,
		Description: description,
	}
}
