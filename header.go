// Header management for the store file.
//
// The header occupies the first HeaderSize bytes of page 1: a 16-byte magic
// signature followed by a JSON object padded with spaces and terminated with
// a newline. The magic alone decides whether a file is a store at all; the
// JSON carries the geometry needed to validate everything after it.
package quire

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// HeaderSize is the fixed size of the header in bytes.
const HeaderSize = 192

// Magic is the signature every store file starts with.
const Magic = "quire format 01\x00"

// FormatVersion is the header version written by this package.
const FormatVersion = 1

// Page size limits. Page sizes must be a power of two in this range.
const (
	MinPageSize     = 512
	MaxPageSize     = 65536
	DefaultPageSize = 4096
)

// Header contains store metadata stored at the start of the file.
type Header struct {
	Version   int    `json:"_v"`   // Format version
	PageSize  int    `json:"_ps"`  // Bytes per page
	Pages     uint32 `json:"_n"`   // Page count; the file is Pages*PageSize bytes
	Free      uint32 `json:"_f"`   // First page of the free chain, 0 if none
	Counter   uint64 `json:"_c"`   // Change counter, bumped on every commit
	Algorithm int    `json:"_alg"` // Page checksum algorithm
	ID        string `json:"_id"`  // Store identity (UUID), ties journals to stores
}

// decodeHeader parses a header from the first HeaderSize bytes of a file.
// The caller has already checked the magic.
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("header truncated at %d bytes", len(buf))
	}
	var hdr Header
	if err := json.Unmarshal(bytes.TrimSpace(buf[len(Magic):HeaderSize]), &hdr); err != nil {
		return nil, err
	}
	if err := hdr.validate(); err != nil {
		return nil, err
	}
	return &hdr, nil
}

// validate checks the header fields for internal consistency.
func (h *Header) validate() error {
	switch {
	case h.Version != FormatVersion:
		return fmt.Errorf("unsupported version %d", h.Version)
	case !validPageSize(h.PageSize):
		return fmt.Errorf("invalid page size %d", h.PageSize)
	case h.Pages == 0:
		return fmt.Errorf("page count is zero")
	case h.Free > h.Pages:
		return fmt.Errorf("free chain head %d beyond page count %d", h.Free, h.Pages)
	case !validAlg(h.Algorithm):
		return fmt.Errorf("unknown checksum algorithm %d", h.Algorithm)
	case h.ID == "":
		return fmt.Errorf("missing store id")
	}
	return nil
}

// encode serialises the header to exactly HeaderSize bytes with padding.
func (h *Header) encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}

	// Pad with spaces to HeaderSize-1, then add newline
	padLen := HeaderSize - len(Magic) - len(data) - 1
	if padLen < 0 {
		return nil, fmt.Errorf("header exceeds %d bytes", HeaderSize)
	}

	buf := make([]byte, HeaderSize)
	copy(buf, Magic)
	copy(buf[len(Magic):], data)
	for i := len(Magic) + len(data); i < HeaderSize-1; i++ {
		buf[i] = ' '
	}
	buf[HeaderSize-1] = '\n'

	return buf, nil
}

// size returns the byte length of a store with this header.
func (h *Header) size() int64 {
	return int64(h.Pages) * int64(h.PageSize)
}

func validPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}
