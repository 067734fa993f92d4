package key

import (
	"bytes"
	"testing"
)

func TestBuilderDecoderRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		build  func(*Builder) *Builder
		decode func(*Decoder) error
	}{
		{
			name: "uint64 then escaped bytes",
			build: func(b *Builder) *Builder {
				return b.AppendUint64(42).AppendBytesEscaped([]byte("hello\x00world"))
			},
			decode: func(d *Decoder) error {
				v, err := d.Uint64()
				if err != nil {
					return err
				}
				if v != 42 {
					t.Fatalf("expected 42, got %d", v)
				}
				got, err := d.BytesEscaped()
				if err != nil {
					return err
				}
				if !bytes.Equal(got, []byte("hello\x00world")) {
					t.Fatalf("round trip mismatch: %q", got)
				}
				return nil
			},
		},
		{
			name: "int64 negative then string",
			build: func(b *Builder) *Builder {
				return b.AppendInt64(-123).AppendStringEscaped("café")
			},
			decode: func(d *Decoder) error {
				v, err := d.Int64()
				if err != nil {
					return err
				}
				if v != -123 {
					t.Fatalf("expected -123, got %d", v)
				}
				s, err := d.StringEscaped()
				if err != nil {
					return err
				}
				if s != "café" {
					t.Fatalf("round trip mismatch: %q", s)
				}
				return nil
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := tc.build(NewBuilder(KindRow)).Build()
			d := NewDecoder(enc)
			if err := tc.decode(d); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if d.Remaining() != 0 {
				t.Fatalf("expected decoder exhausted, %d bytes left", d.Remaining())
			}
		})
	}
}

func TestOrderingPreservedForIntegers(t *testing.T) {
	values := []int64{-1000, -1, 0, 1, 1000}
	var keys []EncodedKey
	for _, v := range values {
		keys = append(keys, NewBuilder(KindRow).AppendInt64(v).Build())
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1].Compare(keys[i]) >= 0 {
			t.Fatalf("expected keys[%d] < keys[%d] for values %d < %d", i-1, i, values[i-1], values[i])
		}
	}
}

func TestEscapedBytesOrderingWithSharedPrefix(t *testing.T) {
	short := NewBuilder(KindRow).AppendBytesEscaped([]byte("ab")).Build()
	long := NewBuilder(KindRow).AppendBytesEscaped([]byte("abc")).Build()
	if short.Compare(long) >= 0 {
		t.Fatalf("expected %q < %q", short, long)
	}
}

func TestPrefixScanSafety(t *testing.T) {
	prefix := NewBuilder(KindRow).AppendUint64(7).Build()
	full := NewBuilder(KindRow).AppendUint64(7).AppendStringEscaped("child").Build()
	if !full.HasPrefix(prefix) {
		t.Fatalf("expected full key to carry the uint64 prefix")
	}
}

func TestKeyKindString(t *testing.T) {
	if KindRow.String() != "row" {
		t.Fatalf("unexpected string for KindRow: %s", KindRow.String())
	}
	if KeyKind(99).String() == "" {
		t.Fatalf("expected non-empty fallback string for unknown kind")
	}
}
