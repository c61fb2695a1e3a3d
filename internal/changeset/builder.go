package changeset

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/osm"
)

// timestampFormats are tried in order for created_at and closed_at
var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
}

// Builder accumulates the raw attributes and tags of one changeset element.
// Fields hold the attribute text exactly as found; empty means absent.
type Builder struct {
	ID         string
	UID        string
	User       string
	NumChanges string
	Open       string
	CreatedAt  string
	ClosedAt   string
	MinLat     string
	MinLon     string
	MaxLat     string
	MaxLon     string

	tags map[string]string
}

// NewBuilder starts a builder from the attributes of a changeset start element
func NewBuilder(attrs []xml.Attr) *Builder {
	b := &Builder{tags: make(map[string]string)}
	for _, attr := range attrs {
		b.SetAttr(attr.Name.Local, attr.Value)
	}
	return b
}

// SetAttr records one raw attribute. Unknown attributes are ignored.
func (b *Builder) SetAttr(name, value string) {
	switch name {
	case "id":
		b.ID = value
	case "uid":
		b.UID = value
	case "user":
		b.User = value
	case "num_changes":
		b.NumChanges = value
	case "open":
		b.Open = value
	case "created_at":
		b.CreatedAt = value
	case "closed_at":
		b.ClosedAt = value
	case "min_lat":
		b.MinLat = value
	case "min_lon":
		b.MinLon = value
	case "max_lat":
		b.MaxLat = value
	case "max_lon":
		b.MaxLon = value
	}
}

// AddTag stores a tag under its normalized key; a later duplicate key wins
func (b *Builder) AddTag(k, v string) {
	if b.tags == nil {
		b.tags = make(map[string]string)
	}
	b.tags[NormalizeKey(k)] = v
}

// Build performs the type coercions and returns the finished record. Only a
// missing or non-numeric id fails; every other field falls back to its
// default because the feed routinely omits optional attributes.
func (b *Builder) Build() (*Changeset, error) {
	if b.ID == "" {
		return nil, &MalformedError{Attr: "id"}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(b.ID), 10, 64)
	if err != nil {
		return nil, &MalformedError{Attr: "id", Value: b.ID}
	}

	tags := b.tags
	if tags == nil {
		tags = make(map[string]string)
	}

	cs := &Changeset{
		ID:         osm.ChangesetID(id),
		UserID:     osm.UserID(parseInt(b.UID)),
		Username:   b.User,
		NumChanges: int(parseInt(b.NumChanges)),
		Open:       ParseOpen(b.Open),
		CreatedAt:  parseTime(b.CreatedAt),
		ClosedAt:   parseTime(b.ClosedAt),
		Bounds: osm.Bounds{
			MinLat: parseFloat(b.MinLat),
			MinLon: parseFloat(b.MinLon),
			MaxLat: parseFloat(b.MaxLat),
			MaxLon: parseFloat(b.MaxLon),
		},
		Tags:      tags,
		Comment:   lookup(tags, TagComment),
		CreatedBy: lookup(tags, TagCreatedBy),
		Version:   lookup(tags, TagVersion),
		Build:     lookup(tags, TagBuild),
	}
	return cs, nil
}

// NormalizeKey makes a tag key usable as a store key: dots become dashes
func NormalizeKey(k string) string {
	return strings.ReplaceAll(k, ".", "-")
}

// ParseOpen is false only for the literal "false". An absent open attribute
// means the changeset is still open.
func ParseOpen(raw string) bool {
	return raw != "false"
}

func lookup(tags map[string]string, key string) *string {
	v, ok := tags[key]
	if !ok {
		return nil
	}
	return &v
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
