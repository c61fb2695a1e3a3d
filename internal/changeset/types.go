// Package changeset holds the changeset record model and a streaming decoder
// for OSM changeset XML documents (planet dumps and replication increments).
package changeset

import (
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/osm"
)

var (
	// ErrMalformedRecord is returned for a changeset element whose required
	// attributes are missing or unparsable. Only that element is lost.
	ErrMalformedRecord = errors.New("malformed changeset record")

	// ErrStreamCorrupt is returned when the document itself can no longer be
	// decoded. Records returned before it remain valid.
	ErrStreamCorrupt = errors.New("corrupt changeset stream")
)

// Tag keys promoted to their own columns
const (
	TagComment   = "comment"
	TagCreatedBy = "created_by"
	TagVersion   = "version"
	TagBuild     = "build"
)

// Changeset is one unit of edit metadata from the feed
type Changeset struct {
	ID         osm.ChangesetID
	UserID     osm.UserID
	Username   string
	NumChanges int
	Open       bool
	CreatedAt  *time.Time
	ClosedAt   *time.Time
	Bounds     osm.Bounds
	Tags       map[string]string // keys normalized, never nil

	// Promoted from Tags, nil when the tag is absent
	Comment   *string
	CreatedBy *string
	Version   *string
	Build     *string
}

// String returns a short description for log output
func (c *Changeset) String() string {
	state := "closed"
	if c.Open {
		state = "open"
	}
	return fmt.Sprintf("changeset %d by %q (%s, %d changes)", c.ID, c.Username, state, c.NumChanges)
}

// MalformedError describes why a changeset element could not become a record
type MalformedError struct {
	Attr   string // offending attribute
	Value  string // raw value, empty when missing
	Offset int64  // input offset of the element end, when known
}

func (e *MalformedError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%v: missing %s attribute (offset %d)", ErrMalformedRecord, e.Attr, e.Offset)
	}
	return fmt.Sprintf("%v: invalid %s attribute %q (offset %d)", ErrMalformedRecord, e.Attr, e.Value, e.Offset)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedRecord
}
