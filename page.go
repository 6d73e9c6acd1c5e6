// Page layout.
//
// Every page has the same shape, starting after the header on page 1 and at
// offset 0 everywhere else:
//
//	[kind:1][next:4][len:4][payload:len][zero padding][checksum:8]
//
// Pages link into chains through next. A chain's payload is the
// concatenation of its pages' payloads; the catalog chain starts at page 1,
// each table chain starts at the table's root, and the free chain starts at
// the page named by the header.
package quire

import (
	"encoding/binary"
	"fmt"
)

// Page kinds.
const (
	KindCatalog = 1 // Table definitions, chain rooted at page 1
	KindTable   = 2 // Row data, chain rooted at the table's root page
	KindFree    = 3 // Unused page on the free chain
)

const (
	pageHead = 9 // kind + next + len
	pageSum  = 8 // trailing checksum
)

// page is a decoded page body.
type page struct {
	kind byte
	next uint32
	data []byte
}

// base returns the offset of the page body within page pgno.
func base(pgno uint32) int {
	if pgno == 1 {
		return HeaderSize
	}
	return 0
}

// capacity returns the payload bytes page pgno can hold.
func capacity(pgno uint32, pageSize int) int {
	return pageSize - base(pgno) - pageHead - pageSum
}

// offset returns the file offset of page pgno.
func offset(pgno uint32, pageSize int) int64 {
	return int64(pgno-1) * int64(pageSize)
}

// encodePage writes p into img, which is a full page image for pgno. On
// page 1 the header bytes already in img are left alone.
func encodePage(img []byte, pgno uint32, p page, alg int) error {
	b := base(pgno)
	if len(p.data) > capacity(pgno, len(img)) {
		return fmt.Errorf("page %d: payload of %d bytes exceeds capacity", pgno, len(p.data))
	}
	body := img[b : len(img)-pageSum]
	clear(body)
	body[0] = p.kind
	binary.BigEndian.PutUint32(body[1:5], p.next)
	binary.BigEndian.PutUint32(body[5:9], uint32(len(p.data)))
	copy(body[pageHead:], p.data)
	binary.BigEndian.PutUint64(img[len(img)-pageSum:], checksum(pgno, body, alg))
	return nil
}

// decodePage verifies and parses the page image img of page pgno.
func decodePage(img []byte, pgno uint32, alg int) (page, fault, error) {
	b := base(pgno)
	body := img[b : len(img)-pageSum]
	want := binary.BigEndian.Uint64(img[len(img)-pageSum:])
	if got := checksum(pgno, body, alg); got != want {
		return page{}, faultChecksum, fmt.Errorf("page %d: checksum %016x, want %016x", pgno, got, want)
	}

	p := page{
		kind: body[0],
		next: binary.BigEndian.Uint32(body[1:5]),
	}
	if p.kind < KindCatalog || p.kind > KindFree {
		return page{}, faultPageKind, fmt.Errorf("page %d: kind %d", pgno, p.kind)
	}
	n := int(binary.BigEndian.Uint32(body[5:9]))
	if n > capacity(pgno, len(img)) {
		return page{}, faultChain, fmt.Errorf("page %d: payload length %d exceeds capacity", pgno, n)
	}
	p.data = body[pageHead : pageHead+n]
	return p, 0, nil
}
