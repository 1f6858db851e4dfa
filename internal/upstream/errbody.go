package upstream

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// readErrorBody drains and closes a response that will not reach the
// caller, decoding any content encoding so the bytes are loggable. The
// transport transparently undoes gzip it negotiated itself; this covers
// upstreams that compress error payloads unsolicited (br, zstd, or
// forced gzip).
func readErrorBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return nil
	}
	decoded, errDecode := decodeContentEncoding(data, resp.Header.Get("Content-Encoding"))
	if errDecode != nil {
		return data
	}
	return decoded
}

// decodeContentEncoding decompresses body per the first token of the
// Content-Encoding header. Unknown encodings return the raw bytes.
func decodeContentEncoding(body []byte, encodingHeader string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(encodingHeader))
	if encoding == "" || encoding == "identity" {
		return body, nil
	}

	// Handle headers such as "zstd, br" by taking the first encoding token.
	if idx := strings.Index(encoding, ","); idx > 0 {
		encoding = strings.TrimSpace(encoding[:idx])
	}

	switch encoding {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}
