// Compression for journal page images.
//
// Each journal record holds the original image of one page. The image is
// Zstd-compressed, then Ascii85-encoded so it can sit inside a JSON line.
// Pages are mostly zero padding and compress well.
package quire

import (
	"bytes"
	"encoding/ascii85"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder, both safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPageSize*4))
)

// packImage encodes a page image for a journal record.
func packImage(img []byte) string {
	var out bytes.Buffer
	enc := ascii85.NewEncoder(&out)
	// bytes.Buffer.Write never errors; Close flushes the final group.
	_, _ = enc.Write(zstdEncoder.EncodeAll(img, nil))
	_ = enc.Close()
	return out.String()
}

// unpackImage reverses packImage and checks the result is one page of
// pageSize bytes.
func unpackImage(s string, pageSize int) ([]byte, error) {
	raw, err := io.ReadAll(ascii85.NewDecoder(bytes.NewReader([]byte(s))))
	if err != nil {
		return nil, fmt.Errorf("ascii85: %w", err)
	}
	img, err := zstdDecoder.DecodeAll(raw, make([]byte, 0, pageSize))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if len(img) != pageSize {
		return nil, fmt.Errorf("image is %d bytes, want %d", len(img), pageSize)
	}
	return img, nil
}
