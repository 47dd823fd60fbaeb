package normalize

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// MaxDecodedSize bounds the size of a decoded body.
const MaxDecodedSize = 256 << 20

var (
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	ErrDecodedTooLarge     = errors.New("decoded content too large")
)

// DecodeContent reverses the content-encoding named by encoding. A
// comma-separated list of codings is undone in reverse order. Output larger
// than MaxDecodedSize is an error.
func DecodeContent(encoding string, body []byte) ([]byte, error) {
	return decodeContent(encoding, body, MaxDecodedSize)
}

func decodeContent(encoding string, body []byte, limit int64) ([]byte, error) {
	codings := strings.Split(encoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		out, err = decodeOne(coding, out, limit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", coding, err)
		}
	}
	return out, nil
}

func decodeOne(coding string, body []byte, limit int64) ([]byte, error) {
	switch coding {
	case "", "identity", "none":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readLimited(zr, limit)
	case "deflate":
		// Servers disagree on whether deflate carries a zlib header.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			out, err := readLimited(zr, limit)
			if err == nil || errors.Is(err, ErrDecodedTooLarge) {
				return out, err
			}
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return readLimited(fr, limit)
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
	}
	return nil, ErrUnsupportedEncoding
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}

// textualApplicationTypes are application/* media types whose bodies are
// readable text.
var textualApplicationTypes = []string{
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-www-form-urlencoded",
	"application/graphql",
}

// IsBinaryContentType reports whether a body with content type ct should be
// treated as binary. Text, multipart form and structured text bodies (JSON,
// XML, form encoding) are not binary, and neither is a body without a content
// type.
func IsBinaryContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return false
	}
	if strings.HasPrefix(ct, "text/") || strings.HasPrefix(ct, "multipart/form-data") {
		return false
	}
	mediaType := ct
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml") {
		return false
	}
	for _, t := range textualApplicationTypes {
		if mediaType == t {
			return false
		}
	}
	return true
}
