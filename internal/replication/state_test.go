package replication

import (
	"strings"
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantSeq int64
		wantRun time.Time
		wantErr bool
	}{
		{
			name: "planet state file",
			input: `---
last_run: 2024-01-15 12:00:05.123456000 +00:00
sequence: 5912345
`,
			wantSeq: 5912345,
			wantRun: time.Date(2024, 1, 15, 12, 0, 5, 123456000, time.UTC),
		},
		{
			name:    "sequence only",
			input:   "sequence: 42\n",
			wantSeq: 42,
		},
		{
			name: "unparseable last_run is ignored",
			input: `last_run: yesterday
sequence: 7`,
			wantSeq: 7,
		},
		{
			name: "RFC3339 last_run",
			input: `last_run: "2024-03-10T15:45:00Z"
sequence: 100`,
			wantSeq: 100,
			wantRun: time.Date(2024, 3, 10, 15, 45, 0, 0, time.UTC),
		},
		{
			name:    "invalid sequence number",
			input:   "sequence: abc\n",
			wantErr: true,
		},
		{
			name:    "negative sequence number",
			input:   "sequence: -1\n",
			wantErr: true,
		},
		{
			name:    "missing sequence",
			input:   "last_run: 2024-01-15 12:00:05.123456000 +00:00\n",
			wantErr: true,
		},
		{
			name:    "empty document",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := ParseState(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if state.Sequence != tt.wantSeq {
				t.Errorf("Sequence = %d, want %d", state.Sequence, tt.wantSeq)
			}
			if !state.LastRun.Equal(tt.wantRun) {
				t.Errorf("LastRun = %v, want %v", state.LastRun, tt.wantRun)
			}
		})
	}
}

func TestSequenceToPath(t *testing.T) {
	tests := []struct {
		seq  int64
		want string
	}{
		{0, "000/000/000"},
		{1, "000/000/001"},
		{999, "000/000/999"},
		{1000, "000/001/000"},
		{1234567, "001/234/567"},
		{5912345, "005/912/345"},
		{999999999, "999/999/999"},
	}

	for _, tt := range tests {
		if got := SequenceToPath(tt.seq); got != tt.want {
			t.Errorf("SequenceToPath(%d) = %q, want %q", tt.seq, got, tt.want)
		}
	}
}
