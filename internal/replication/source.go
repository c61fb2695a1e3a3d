package replication

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Source represents a changeset replication directory
type Source struct {
	Name           string
	BaseURL        string        // Directory holding state.yaml and the AAA/BBB/CCC tree
	UpdateInterval time.Duration // Expected publish interval
	Description    string
}

// StateURL returns the URL of the published replication state
func (s *Source) StateURL() string {
	return s.BaseURL + "/state.yaml"
}

// SequenceDataURL returns the URL of one increment
func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osm.gz", s.BaseURL, SequenceToPath(seq))
}

// SourcePlanetChangesets is the planet changeset feed, published every minute
var SourcePlanetChangesets = &Source{
	Name:           "planet",
	BaseURL:        "https://planet.openstreetmap.org/replication/changesets",
	UpdateInterval: time.Minute,
	Description:    "OpenStreetMap planet changeset replication",
}

// ParseSource parses a source string and returns a Source
// Formats:
//   - "" or "planet" (also "planet-changesets", "changesets")
//   - Custom URL: "https://example.com/replication/changesets"
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)

	switch strings.ToLower(s) {
	case "", "planet", "planet-changesets", "changesets":
		return SourcePlanetChangesets, nil
	}

	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		base := strings.TrimSuffix(s, "/")
		if base == strings.TrimSuffix(SourcePlanetChangesets.BaseURL, "/") {
			return SourcePlanetChangesets, nil
		}
		return &Source{
			Name:           "custom",
			BaseURL:        base,
			UpdateInterval: time.Minute,
			Description:    "Custom changeset replication source",
		}, nil
	}

	return nil, fmt.Errorf("unknown replication source %q: want \"planet\" or an http(s) URL", s)
}
