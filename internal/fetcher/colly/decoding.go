package collyfetcher

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding advertises brotli alongside gzip. Colly inflates gzip itself
// once the header is set explicitly, so only br is decoded here.
const acceptEncoding = "gzip, br"

type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("decoding transport roundtrip: %w", err)
	}
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		return resp, nil
	}
	resp.Body = &brotliBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type brotliBody struct {
	io.Reader
	closer io.Closer
}

func (b *brotliBody) Close() error {
	if err := b.closer.Close(); err != nil {
		return fmt.Errorf("close brotli body: %w", err)
	}
	return nil
}
