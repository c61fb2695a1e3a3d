package changeset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
)

const sampleChangesets = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="replicate_changesets.rb">
  <changeset id="5" uid="9" open="false" min_lat="1.0" min_lon="2.0" max_lat="3.0" max_lon="4.0"><tag k="created_by" v="Pushpin"/></changeset>
  <changeset id="6" created_at="2024-01-15T12:00:00Z" closed_at="2024-01-15T12:30:00Z" open="false" user="mapper" uid="42" num_changes="17" comments_count="0">
    <tag k="comment" v="Added sidewalks"/>
    <tag k="created_by.ios" v="iD 2.27"/>
    <tag k="source"/>
    <discussion><comment uid="1" user="x"><text>nice</text></comment></discussion>
  </changeset>
  <changeset id="7" created_at="2024-01-15T12:40:00Z" user="still editing" uid="43"/>
</osm>`

func decodeAll(t *testing.T, r io.Reader) ([]*Changeset, *Decoder, error) {
	t.Helper()
	dec := NewDecoder(r)
	var out []*Changeset
	for {
		cs, err := dec.Next()
		if err == io.EOF {
			return out, dec, nil
		}
		if errors.Is(err, ErrMalformedRecord) {
			continue
		}
		if err != nil {
			return out, dec, err
		}
		out = append(out, cs)
	}
}

func strp(s string) *string { return &s }

func TestDecoderExampleElement(t *testing.T) {
	records, _, err := decodeAll(t, strings.NewReader(sampleChangesets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 changesets, got %d", len(records))
	}

	cs := records[0]
	if cs.ID != 5 || cs.UserID != 9 || cs.Open {
		t.Errorf("got id=%d uid=%d open=%v, want 5, 9, false", cs.ID, cs.UserID, cs.Open)
	}
	b := cs.Bounds
	if b.MinLat != 1.0 || b.MinLon != 2.0 || b.MaxLat != 3.0 || b.MaxLon != 4.0 {
		t.Errorf("bounds = %+v, want (1,2,3,4)", b)
	}
	if diff := cmp.Diff(map[string]string{"created_by": "Pushpin"}, cs.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if cs.CreatedBy == nil || *cs.CreatedBy != "Pushpin" {
		t.Errorf("CreatedBy = %v, want Pushpin", cs.CreatedBy)
	}
	if cs.Comment != nil || cs.Version != nil || cs.Build != nil {
		t.Error("expected absent promoted fields to be nil")
	}
}

func TestDecoderFieldsAndTags(t *testing.T) {
	records, dec, err := decodeAll(t, strings.NewReader(sampleChangesets))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cs := records[1]
	created := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	closed := time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)
	if cs.CreatedAt == nil || !cs.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", cs.CreatedAt, created)
	}
	if cs.ClosedAt == nil || !cs.ClosedAt.Equal(closed) {
		t.Errorf("ClosedAt = %v, want %v", cs.ClosedAt, closed)
	}
	if cs.Username != "mapper" || cs.NumChanges != 17 {
		t.Errorf("Username=%q NumChanges=%d", cs.Username, cs.NumChanges)
	}

	// dotted key normalized, tag without v dropped, discussion ignored
	want := map[string]string{"comment": "Added sidewalks", "created_by-ios": "iD 2.27"}
	if diff := cmp.Diff(want, cs.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(strp("Added sidewalks"), cs.Comment); diff != "" {
		t.Errorf("Comment mismatch (-want +got):\n%s", diff)
	}
	if cs.CreatedBy != nil {
		t.Errorf("CreatedBy = %q, want nil (key was created_by.ios)", *cs.CreatedBy)
	}

	stats := dec.Stats()
	if stats.Emitted != 3 || stats.DroppedTags != 1 || stats.Malformed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDecoderSelfClosing(t *testing.T) {
	records, _, err := decodeAll(t, strings.NewReader(`<osm><changeset id="11"/></osm>`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(records))
	}
	cs := records[0]
	if cs.ID != 11 {
		t.Errorf("ID = %d, want 11", cs.ID)
	}
	if cs.Tags == nil || len(cs.Tags) != 0 {
		t.Errorf("Tags = %#v, want empty non-nil map", cs.Tags)
	}
	if !cs.Open {
		t.Error("absent open attribute must mean open")
	}
	if cs.CreatedAt != nil || cs.ClosedAt != nil {
		t.Error("expected nil timestamps")
	}
}

func TestDecoderOpenCoercion(t *testing.T) {
	tests := []struct {
		attr string
		want bool
	}{
		{``, true},
		{`open="true"`, true},
		{`open="false"`, false},
		{`open="FALSE"`, true},
		{`open="0"`, true},
		{`open=""`, true},
	}

	for _, tt := range tests {
		t.Run(tt.attr, func(t *testing.T) {
			doc := `<osm><changeset id="1" ` + tt.attr + `/></osm>`
			records, _, err := decodeAll(t, strings.NewReader(doc))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("expected 1 record, got %d", len(records))
			}
			if records[0].Open != tt.want {
				t.Errorf("Open = %v, want %v", records[0].Open, tt.want)
			}
		})
	}
}

func TestDecoderMalformedRecordContinues(t *testing.T) {
	doc := `<osm>
  <changeset uid="1"><tag k="a" v="b"/></changeset>
  <changeset id="abc"/>
  <changeset id="3" open="false"/>
</osm>`

	dec := NewDecoder(strings.NewReader(doc))

	for _, attr := range []string{"id", "id"} {
		_, err := dec.Next()
		var me *MalformedError
		if !errors.As(err, &me) {
			t.Fatalf("expected *MalformedError, got %v", err)
		}
		if me.Attr != attr {
			t.Errorf("Attr = %q, want %q", me.Attr, attr)
		}
		if !errors.Is(err, ErrMalformedRecord) {
			t.Error("expected error to wrap ErrMalformedRecord")
		}
	}

	cs, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error after malformed records: %v", err)
	}
	if cs.ID != 3 {
		t.Errorf("ID = %d, want 3", cs.ID)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if dec.Stats().Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", dec.Stats().Malformed)
	}
}

func TestDecoderStreamCorrupt(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantValid int
	}{
		{
			name:      "truncated inside changeset",
			doc:       `<osm><changeset id="1" open="false"/><changeset id="2"><tag k="a" v="b"/>`,
			wantValid: 1,
		},
		{
			name:      "mismatched end tag",
			doc:       `<osm><changeset id="1"/><changeset id="2"></tag></osm>`,
			wantValid: 1,
		},
		{
			name:      "empty document",
			doc:       "",
			wantValid: 0,
		},
		{
			name:      "whitespace only",
			doc:       "  \n\t\n",
			wantValid: 0,
		},
		{
			name:      "declaration only",
			doc:       `<?xml version="1.0" encoding="UTF-8"?>` + "\n",
			wantValid: 0,
		},
		{
			name:      "invalid utf-8",
			doc:       "<osm><changeset id=\"1\"/><changeset id=\"2\" user=\"\xff\xfe\"/></osm>",
			wantValid: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, dec, err := decodeAll(t, strings.NewReader(tt.doc))
			if !errors.Is(err, ErrStreamCorrupt) {
				t.Fatalf("expected ErrStreamCorrupt, got %v", err)
			}
			if len(records) != tt.wantValid {
				t.Errorf("expected %d records before the error, got %d", tt.wantValid, len(records))
			}
			// the error is sticky
			if _, again := dec.Next(); !errors.Is(again, ErrStreamCorrupt) {
				t.Errorf("expected sticky ErrStreamCorrupt, got %v", again)
			}
		})
	}
}

func TestDecoderEmptyRootIsValid(t *testing.T) {
	records, _, err := decodeAll(t, strings.NewReader(`<?xml version="1.0"?><osm version="0.6"/>`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestDecoderAll(t *testing.T) {
	doc := `<osm><changeset id="1"/><changeset uid="2"/><changeset id="3"/></osm>`

	var ids []osm.ChangesetID
	var malformed int
	for cs, err := range NewDecoder(strings.NewReader(doc)).All(context.Background()) {
		if errors.Is(err, ErrMalformedRecord) {
			malformed++
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, cs.ID)
	}
	if diff := cmp.Diff([]osm.ChangesetID{1, 3}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
}

func TestDecoderAllStopsOnStreamError(t *testing.T) {
	doc := `<osm><changeset id="1"/><changeset id="2">`

	var errs []error
	n := 0
	for _, err := range NewDecoder(strings.NewReader(doc)).All(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n != 1 || len(errs) != 1 || !errors.Is(errs[0], ErrStreamCorrupt) {
		t.Errorf("got %d records and errors %v, want 1 record then one ErrStreamCorrupt", n, errs)
	}
}

func TestDecoderAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dec := NewDecoder(strings.NewReader(sampleChangesets))

	n := 0
	var last error
	for cs, err := range dec.All(ctx) {
		if err != nil {
			last = err
			break
		}
		n++
		if cs.ID == 5 {
			cancel()
		}
	}
	if n != 1 {
		t.Errorf("read %d records, want 1 before cancellation", n)
	}
	if !errors.Is(last, context.Canceled) {
		t.Errorf("last error = %v, want context.Canceled", last)
	}
	if dec.Stats().Emitted != 1 {
		t.Errorf("Emitted = %d, want 1", dec.Stats().Emitted)
	}
}

func TestDecoderIgnoresOtherElements(t *testing.T) {
	doc := `<osm><bound box="x"/><tag k="orphan" v="1"/><note id="3"/><changeset id="4"><nd ref="1"/></changeset></osm>`
	records, _, err := decodeAll(t, strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].ID != osm.ChangesetID(4) {
		t.Fatalf("expected single changeset 4, got %v", records)
	}
	if len(records[0].Tags) != 0 {
		t.Errorf("orphan tag leaked into record: %v", records[0].Tags)
	}
}

func TestOpenReader(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write([]byte(sampleChangesets)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	for name, input := range map[string][]byte{
		"plain": []byte(sampleChangesets),
		"gzip":  gz.Bytes(),
	} {
		t.Run(name, func(t *testing.T) {
			rc, err := OpenReader(bytes.NewReader(input))
			if err != nil {
				t.Fatalf("OpenReader: %v", err)
			}
			defer rc.Close()

			records, _, err := decodeAll(t, rc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(records) != 3 {
				t.Errorf("expected 3 records, got %d", len(records))
			}
		})
	}
}

func TestOpenReaderTruncatedGzip(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write([]byte(sampleChangesets))
	w.Close()
	truncated := gz.Bytes()[:gz.Len()/2]

	rc, err := OpenReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer rc.Close()

	_, _, err = decodeAll(t, rc)
	if !errors.Is(err, ErrStreamCorrupt) {
		t.Errorf("expected ErrStreamCorrupt for truncated gzip, got %v", err)
	}
}
