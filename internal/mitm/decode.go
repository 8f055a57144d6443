package mitm

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Pools for decompression readers to reduce allocation overhead.
var (
	gzipReaderPool = sync.Pool{
		New: func() any { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() any { return brotli.NewReader(nil) },
	}

	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func sharedZstd() (*zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder, zstdErr
}

// DecodeBody reverses the content codings listed in encodings, which are
// in the order they were applied. gzip, deflate (zlib or raw), br and zstd
// are supported.
func DecodeBody(encodings []string, body []byte) ([]byte, error) {
	var codings []string
	for _, v := range encodings {
		for _, c := range strings.Split(v, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				codings = append(codings, c)
			}
		}
	}

	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		switch codings[i] {
		case "identity":
			continue
		case "gzip", "x-gzip":
			out, err = gunzip(out)
		case "br":
			out, err = unbrotli(out)
		case "zstd":
			var d *zstd.Decoder
			if d, err = sharedZstd(); err == nil {
				out, err = d.DecodeAll(out, nil)
			}
		case "deflate":
			out, err = inflate(out)
		default:
			return nil, fmt.Errorf("unsupported Content-Encoding layer: %s", codings[i])
		}
		if err != nil {
			return nil, fmt.Errorf("%s decoding failed: %w", codings[i], err)
		}
	}
	return out, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	defer gzipReaderPool.Put(zr)
	if err := zr.Reset(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func unbrotli(b []byte) ([]byte, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	defer brotliReaderPool.Put(br)
	if err := br.Reset(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return io.ReadAll(br)
}

// inflate accepts both zlib-wrapped and raw deflate streams, since servers
// send either under "deflate".
func inflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		defer zr.Close()
		return io.ReadAll(zr)
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	return io.ReadAll(fr)
}

// SniffMimeType returns declared when set, otherwise the type detected
// from the body.
func SniffMimeType(declared string, body []byte) string {
	if declared != "" {
		return declared
	}
	if len(body) == 0 {
		return ""
	}
	return mimetype.Detect(body).String()
}

// captureBody passes a response body through while keeping up to limit
// bytes. done runs once, when the body is closed.
type captureBody struct {
	io.ReadCloser
	limit     int64
	buf       bytes.Buffer
	truncated bool
	once      sync.Once
	done      func(body []byte, truncated bool)
}

func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		room := c.limit - int64(c.buf.Len())
		switch {
		case room >= int64(n):
			c.buf.Write(p[:n])
		case room > 0:
			c.buf.Write(p[:room])
			c.truncated = true
		default:
			c.truncated = true
		}
	}
	return n, err
}

func (c *captureBody) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(func() { c.done(c.buf.Bytes(), c.truncated) })
	return err
}
