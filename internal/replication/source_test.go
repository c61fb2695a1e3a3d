package replication

import (
	"testing"

	"github.com/wegman-software/osmchanges-go/internal/config"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantName    string
		wantBaseURL string
		wantErr     bool
	}{
		{name: "default", input: "", wantName: "planet", wantBaseURL: SourcePlanetChangesets.BaseURL},
		{name: "planet", input: "planet", wantName: "planet", wantBaseURL: SourcePlanetChangesets.BaseURL},
		{name: "alias", input: "Changesets", wantName: "planet", wantBaseURL: SourcePlanetChangesets.BaseURL},
		{
			name:        "planet URL with trailing slash",
			input:       "https://planet.openstreetmap.org/replication/changesets/",
			wantName:    "planet",
			wantBaseURL: SourcePlanetChangesets.BaseURL,
		},
		{
			name:        "custom URL",
			input:       "https://mirror.example.com/changesets/",
			wantName:    "custom",
			wantBaseURL: "https://mirror.example.com/changesets",
		},
		{name: "unknown", input: "geofabrik/monaco", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := ParseSource(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", src.Name, tt.wantName)
			}
			if src.BaseURL != tt.wantBaseURL {
				t.Errorf("BaseURL = %q, want %q", src.BaseURL, tt.wantBaseURL)
			}
		})
	}
}

func TestSourceURLs(t *testing.T) {
	src := &Source{BaseURL: "https://example.com/changesets"}

	if got, want := src.StateURL(), "https://example.com/changesets/state.yaml"; got != want {
		t.Errorf("StateURL() = %q, want %q", got, want)
	}
	if got, want := src.SequenceDataURL(5912345), "https://example.com/changesets/005/912/345.osm.gz"; got != want {
		t.Errorf("SequenceDataURL() = %q, want %q", got, want)
	}
}

func TestNewFetcherFromConfig(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantBaseURL string
		wantErr     bool
	}{
		{name: "default", url: config.DefaultReplicationURL, wantBaseURL: SourcePlanetChangesets.BaseURL},
		{name: "planet alias", url: "planet", wantBaseURL: SourcePlanetChangesets.BaseURL},
		{name: "mirror", url: "http://mirror.example.com/changesets", wantBaseURL: "http://mirror.example.com/changesets"},
		{name: "relative path", url: "replication/changesets", wantErr: true},
		{name: "scheme without host", url: "https://", wantErr: true},
		{name: "ftp", url: "ftp://planet.openstreetmap.org/changesets", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.ReplicationURL = tt.url
			cfg.CacheDir = t.TempDir()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}

			f, err := NewFetcherFromConfig(cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Source().BaseURL != tt.wantBaseURL {
				t.Errorf("BaseURL = %q, want %q", f.Source().BaseURL, tt.wantBaseURL)
			}
			if f.cacheDir != cfg.CacheDir || f.maxRetries != cfg.FetchRetries {
				t.Errorf("fetch settings not applied: cache %q retries %d", f.cacheDir, f.maxRetries)
			}
		})
	}
}
