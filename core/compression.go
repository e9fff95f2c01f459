package core

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

const defaultCompressionLevel = 5

var compressibleContentTypes = []string{
	"application/json",
	"application/graphql-response+json",
}

// newResponseCompressor compresses GraphQL responses with brotli, gzip or deflate, in that order of
// preference, depending on the Accept-Encoding header of the client.
func newResponseCompressor(level int) *middleware.Compressor {
	if level < flate.BestSpeed || level > flate.BestCompression {
		level = defaultCompressionLevel
	}
	c := middleware.NewCompressor(level, compressibleContentTypes...)
	c.SetEncoder("deflate", func(w io.Writer, level int) io.Writer {
		fw, err := flate.NewWriter(w, level)
		if err != nil {
			return nil
		}
		return fw
	})
	c.SetEncoder("gzip", func(w io.Writer, level int) io.Writer {
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil
		}
		return gw
	})
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c
}

// handleRequestDecompression inflates gzip encoded POST bodies before they reach the GraphQL
// handler.
func handleRequestDecompression(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}

			encodings := strings.Split(r.Header.Get("Content-Encoding"), ",")
			if len(encodings) > 1 {
				writeRequestErrors(w, http.StatusBadRequest, "multiple chained compressions are not supported", logger)
				return
			}

			switch strings.TrimSpace(encodings[0]) {
			case "gzip":
				gzr, err := gzip.NewReader(r.Body)
				if err != nil {
					logger.Debug("Failed to create gzip reader", zap.Error(err))
					writeRequestErrors(w, http.StatusUnprocessableEntity, "invalid gzip payload", logger)
					return
				}
				originalBody := r.Body
				defer func() {
					if err := gzr.Close(); err != nil {
						logger.Debug("Failed to close gzip reader", zap.Error(err))
					}
					if err := originalBody.Close(); err != nil {
						logger.Debug("Failed to close request body", zap.Error(err))
					}
				}()

				r.Body = gzr
				// the decompressed length is unknown
				r.Header.Del("Content-Length")
				r.ContentLength = -1
			case "":
			default:
				writeRequestErrors(w, http.StatusUnsupportedMediaType, "unsupported content encoding", logger)
				return
			}

			r.Header.Del("Content-Encoding")
			next.ServeHTTP(w, r)
		})
	}
}
