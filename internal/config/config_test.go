package config

import (
	"strings"
	"testing"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		input   string
		want    Backend
		wantErr bool
	}{
		{"postgres", BackendPostgres, false},
		{"PG", BackendPostgres, false},
		{" sqlite3 ", BackendSQLite, false},
		{"memory", BackendMemory, false},
		{"mongo", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackend(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseBackend(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{name: "sqlite", modify: func(c *Config) { c.Backend = BackendSQLite }},
		{
			name:    "sqlite without path",
			modify:  func(c *Config) { c.Backend = BackendSQLite; c.SQLitePath = "" },
			wantErr: "sqlite path",
		},
		{
			name:    "hstore on sqlite",
			modify:  func(c *Config) { c.Backend = BackendSQLite; c.Hstore = true },
			wantErr: "hstore",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.FetchRetries = -1 },
			wantErr: "retries",
		},
		{
			name:    "zero connections",
			modify:  func(c *Config) { c.DBMaxConns = 0 },
			wantErr: "max connections",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	t.Setenv(DatabaseURLEnv, "")

	cfg := DefaultConfig()
	cfg.DBPassword = "secret"
	got := cfg.ConnectionString()
	want := "host=localhost port=5432 dbname=osmchanges user=postgres sslmode=disable password=secret"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	t.Setenv(DatabaseURLEnv, "postgres://u@db/changes")
	if got := cfg.ConnectionString(); got != "postgres://u@db/changes" {
		t.Errorf("ConnectionString() with env = %q", got)
	}
}
