package transfer

import (
	"bytes"
	"fmt"
	"testing"

	"trosync.dev/go/trosync/internal/manifest"
)

func TestEncodeDecodeSmall(t *testing.T) {
	data := []byte("short document")
	payload, encoding, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoding != EncodingIdentity {
		t.Errorf("encoding = %q, want identity for small content", encoding)
	}

	out, err := Decode(payload, encoding, manifest.HashBytes(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestEncodeDecodeCompressed(t *testing.T) {
	data := bytes.Repeat([]byte("compressible line of text\n"), 200)
	payload, encoding, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoding != EncodingGzip {
		t.Fatalf("encoding = %q, want gzip", encoding)
	}
	if len(payload) >= len(data) {
		t.Errorf("payload not smaller: %d >= %d", len(payload), len(data))
	}

	out, err := Decode(payload, encoding, manifest.HashBytes(data))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestEncodeIncompressible(t *testing.T) {
	// Random-looking bytes should ship as identity rather than grow.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i*7 + i*i*13)
	}
	payload, encoding, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoding == EncodingGzip && len(payload) >= len(data) {
		t.Errorf("gzip payload larger than input")
	}
}

func TestDecodeHashMismatch(t *testing.T) {
	data := []byte("content")
	payload, encoding, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(payload, encoding, manifest.HashBytes([]byte("other"))); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestDecodeUnknownEncoding(t *testing.T) {
	if _, err := Decode([]byte("x"), "zstd", "h"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestCacheBasic(t *testing.T) {
	c := NewCache(1 << 20)
	c.Put("doc1", "h1", []byte("payload"), EncodingIdentity)

	data, encoding, ok := c.Get("doc1", "h1")
	if !ok || string(data) != "payload" || encoding != EncodingIdentity {
		t.Fatalf("Get = %q, %q, %v", data, encoding, ok)
	}
	if _, _, ok := c.Get("doc1", "h2"); ok {
		t.Error("stale hash must miss")
	}
	if _, _, ok := c.Get("doc2", "h1"); ok {
		t.Error("unknown doc must miss")
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	c := NewCache(30)
	c.Put("a", "h", make([]byte, 10), EncodingIdentity)
	c.Put("b", "h", make([]byte, 10), EncodingIdentity)
	c.Put("c", "h", make([]byte, 10), EncodingIdentity)

	// Touch "a" so "b" is the least recently used.
	c.Get("a", "h")
	c.Put("d", "h", make([]byte, 10), EncodingIdentity)

	if _, _, ok := c.Get("b", "h"); ok {
		t.Error("expected b evicted")
	}
	if _, _, ok := c.Get("a", "h"); !ok {
		t.Error("expected a retained")
	}
	if c.Size() > 30 {
		t.Errorf("size = %d, over budget", c.Size())
	}
}

func TestCacheInvalidateDoc(t *testing.T) {
	c := NewCache(1 << 20)
	c.Put("doc", "h1", []byte("v1"), EncodingIdentity)
	c.Put("doc", "h2", []byte("v2"), EncodingIdentity)
	c.Put("other", "h1", []byte("x"), EncodingIdentity)

	c.InvalidateDoc("doc")

	if _, _, ok := c.Get("doc", "h1"); ok {
		t.Error("doc h1 should be gone")
	}
	if _, _, ok := c.Get("doc", "h2"); ok {
		t.Error("doc h2 should be gone")
	}
	if _, _, ok := c.Get("other", "h1"); !ok {
		t.Error("other doc must survive")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCacheOversizedPayload(t *testing.T) {
	c := NewCache(10)
	c.Put("doc", "h", make([]byte, 100), EncodingIdentity)
	if c.Len() != 0 {
		t.Error("payload over budget must not be cached")
	}
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0)
	c.Put("doc", "h", []byte("x"), EncodingIdentity)
	if _, _, ok := c.Get("doc", "h"); ok {
		t.Error("disabled cache must not store")
	}
}

func TestCacheReplaceSameKey(t *testing.T) {
	c := NewCache(1 << 20)
	c.Put("doc", "h", []byte("first"), EncodingIdentity)
	c.Put("doc", "h", []byte("second payload"), EncodingGzip)

	data, encoding, ok := c.Get("doc", "h")
	if !ok || string(data) != "second payload" || encoding != EncodingGzip {
		t.Fatalf("Get = %q, %q, %v", data, encoding, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if want := int64(len("second payload")); c.Size() != want {
		t.Errorf("Size = %d, want %d", c.Size(), want)
	}
}

func TestCacheManyDocs(t *testing.T) {
	c := NewCache(1 << 20)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("doc-%02d", i)
		c.Put(id, "h", []byte(id), EncodingIdentity)
	}
	if c.Len() != 50 {
		t.Fatalf("Len = %d, want 50", c.Len())
	}
}
