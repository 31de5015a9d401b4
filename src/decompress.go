package main

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// decompressBody reverses a recognized Content-Encoding for recording.
// The decoded bytes are for the captured record only; the wire bytes are
// always what goes back downstream. Unknown encodings and malformed or
// truncated payloads report !ok so the caller falls back to the original.
func decompressBody(data []byte, encoding string) ([]byte, bool) {
	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false
		}
		return out, true
	case "deflate":
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, false
		}
		return out, true
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}
