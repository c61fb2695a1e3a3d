package changeset

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
)

// Stats counts decoder events
type Stats struct {
	Emitted     int64
	Malformed   int64
	DroppedTags int64
}

// Decoder reads changeset records from an XML stream one element at a time.
// It is single use: once Next has returned io.EOF or a stream error it keeps
// returning that error.
type Decoder struct {
	xml     *xml.Decoder
	err     error
	stats   Stats
	started bool // a start element has been read
}

// NewDecoder creates a decoder reading from r. Compressed input must be
// unwrapped by the caller, see OpenReader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{xml: xml.NewDecoder(r)}
}

// Stats returns decoding statistics
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Next returns the next changeset in document order, or io.EOF after the
// last one. A *MalformedError only covers one element and Next may be called
// again; errors wrapping ErrStreamCorrupt are final.
func (d *Decoder) Next() (*Changeset, error) {
	if d.err != nil {
		return nil, d.err
	}

	// b is the accumulator for the changeset being read; nil while idle.
	// depth counts changeset elements nested inside it.
	var b *Builder
	depth := 0

	for {
		token, err := d.xml.Token()
		if err == io.EOF {
			// an empty document is a truncated download, not an empty increment
			if b != nil || !d.started {
				return nil, d.fail(io.ErrUnexpectedEOF)
			}
			d.err = io.EOF
			return nil, io.EOF
		}
		if err != nil {
			return nil, d.fail(err)
		}

		switch se := token.(type) {
		case xml.StartElement:
			d.started = true
			switch se.Name.Local {
			case "changeset":
				if b == nil {
					b = NewBuilder(se.Attr)
				} else {
					depth++
				}
			case "tag":
				if b == nil {
					continue
				}
				k, v, ok := tagAttrs(se.Attr)
				if !ok {
					d.stats.DroppedTags++
					continue
				}
				b.AddTag(k, v)
			}

		case xml.EndElement:
			if se.Name.Local != "changeset" || b == nil {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			cs, err := b.Build()
			if err != nil {
				d.stats.Malformed++
				var me *MalformedError
				if errors.As(err, &me) {
					me.Offset = d.xml.InputOffset()
				}
				return nil, err
			}
			d.stats.Emitted++
			return cs, nil
		}
	}
}

// All adapts Next for range loops. Malformed records are yielded with their
// error and iteration continues; a stream error is yielded once and ends it.
// When ctx is cancelled its error is yielded before the next record is read.
func (d *Decoder) All(ctx context.Context) iter.Seq2[*Changeset, error] {
	return func(yield func(*Changeset, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			cs, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(cs, err) {
				return
			}
			if err != nil && !errors.Is(err, ErrMalformedRecord) {
				return
			}
		}
	}
}

func (d *Decoder) fail(err error) error {
	d.err = fmt.Errorf("%w at offset %d: %v", ErrStreamCorrupt, d.xml.InputOffset(), err)
	return d.err
}

// tagAttrs extracts k and v; both must be present
func tagAttrs(attrs []xml.Attr) (k, v string, ok bool) {
	var hasK, hasV bool
	for _, attr := range attrs {
		switch attr.Name.Local {
		case "k":
			k, hasK = attr.Value, true
		case "v":
			v, hasV = attr.Value, true
		}
	}
	return k, v, hasK && hasV
}
