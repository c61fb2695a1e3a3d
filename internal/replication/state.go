package replication

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the published state of a changeset replication directory
type State struct {
	Sequence int64
	LastRun  time.Time // zero when the state file has no usable last_run
}

// String returns the state in a human-readable format
func (s State) String() string {
	if s.LastRun.IsZero() {
		return fmt.Sprintf("Sequence: %d", s.Sequence)
	}
	return fmt.Sprintf("Sequence: %d, Last run: %s", s.Sequence, s.LastRun.Format(time.RFC3339))
}

// lastRunFormats are the layouts seen in changeset state.yaml files
var lastRunFormats = []string{
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02 15:04:05.999999999 Z07:00",
	"2006-01-02 15:04:05 -0700",
	time.RFC3339Nano,
}

// ParseState parses a changeset state.yaml document
// Format:
//
//	---
//	last_run: 2024-01-15 12:00:05.123456000 +00:00
//	sequence: 5912345
func ParseState(r io.Reader) (*State, error) {
	var raw struct {
		Sequence *yaml.Node `yaml:"sequence"`
		LastRun  *yaml.Node `yaml:"last_run"`
	}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty state document")
		}
		return nil, fmt.Errorf("invalid state document: %w", err)
	}
	if raw.Sequence == nil {
		return nil, fmt.Errorf("state document has no sequence")
	}

	seq, err := strconv.ParseInt(strings.TrimSpace(raw.Sequence.Value), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number %q: %w", raw.Sequence.Value, err)
	}
	if seq < 0 {
		return nil, fmt.Errorf("invalid sequence number %d", seq)
	}

	state := &State{Sequence: seq}
	if raw.LastRun != nil {
		for _, format := range lastRunFormats {
			if t, err := time.Parse(format, raw.LastRun.Value); err == nil {
				state.LastRun = t.UTC()
				break
			}
		}
	}
	return state, nil
}

// SequenceToPath converts a sequence number to the replication directory
// path "AAA/BBB/CCC": the sequence zero padded to nine digits and split into
// three groups, e.g. 1234567 -> 001/234/567
func SequenceToPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d",
		seq/1000000,
		(seq/1000)%1000,
		seq%1000)
}
