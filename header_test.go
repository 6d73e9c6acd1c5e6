package quire

import (
	"bytes"
	"strings"
	"testing"
)

func testHeader() *Header {
	return &Header{
		Version:   FormatVersion,
		PageSize:  DefaultPageSize,
		Pages:     3,
		Free:      2,
		Counter:   17,
		Algorithm: AlgXXHash3,
		ID:        "8a0e4d53-3f1b-4c0e-9a4e-2c0f5b8f6d21",
	}
}

func TestHeaderEncode(t *testing.T) {
	buf, err := testHeader().encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != HeaderSize {
		t.Errorf("encoded length = %d, want %d", len(buf), HeaderSize)
	}
	if !bytes.HasPrefix(buf, []byte(Magic)) {
		t.Errorf("missing magic: %q", buf[:len(Magic)])
	}
	if buf[HeaderSize-1] != '\n' {
		t.Errorf("last byte = %q, want newline", buf[HeaderSize-1])
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	buf, _ := h.encode()

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("decoded %+v, want %+v", got, h)
	}
	if got.size() != 3*DefaultPageSize {
		t.Errorf("size = %d", got.size())
	}
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Header)
		want   string
	}{
		{"version", func(h *Header) { h.Version = 2 }, "version"},
		{"page size", func(h *Header) { h.PageSize = 3000 }, "page size"},
		{"no pages", func(h *Header) { h.Pages = 0; h.Free = 0 }, "page count"},
		{"free beyond end", func(h *Header) { h.Free = 9 }, "free chain"},
		{"algorithm", func(h *Header) { h.Algorithm = 0 }, "algorithm"},
		{"id", func(h *Header) { h.ID = "" }, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testHeader()
			tt.mutate(h)
			err := h.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestHeaderTooLarge(t *testing.T) {
	h := testHeader()
	h.ID = strings.Repeat("x", HeaderSize)
	if _, err := h.encode(); err == nil {
		t.Error("expected error for oversized header")
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	buf, _ := testHeader().encode()
	if _, err := decodeHeader(buf[:100]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestValidPageSize(t *testing.T) {
	for n, want := range map[int]bool{
		256: false, 512: true, 1000: false, 4096: true, 65536: true, 131072: false,
	} {
		if got := validPageSize(n); got != want {
			t.Errorf("validPageSize(%d) = %v, want %v", n, got, want)
		}
	}
}
