package transfer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"trosync.dev/go/trosync/internal/manifest"
)

// Payload encodings carried on the wire
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
)

// compressThreshold is the minimum document size worth compressing. Below
// it the gzip header overhead usually exceeds the savings.
const compressThreshold = 256

// Encode prepares document content for transfer. Content at or above the
// compression threshold is gzipped unless compression would grow it.
func Encode(data []byte) (payload []byte, encoding string, err error) {
	if len(data) < compressThreshold {
		return data, EncodingIdentity, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, "", fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("compress payload: %w", err)
	}
	if buf.Len() >= len(data) {
		return data, EncodingIdentity, nil
	}
	return buf.Bytes(), EncodingGzip, nil
}

// Decode reverses Encode and verifies the result against the expected
// content hash. A mismatch means corruption or tampering in transit and the
// payload must be discarded.
func Decode(payload []byte, encoding, wantHash string) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}

	if got := manifest.HashBytes(data); got != wantHash {
		return nil, fmt.Errorf("payload hash mismatch: got %s, want %s", got, wantHash)
	}
	return data, nil
}
