package rabbitmq

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

const (
	encodingGzip = "gzip"

	headerSignature = "x-signature"
	headerEventType = "x-event-type"

	contentTypeJSON = "application/json"

	// maxDecodedBody caps gunzip output.
	maxDecodedBody = 1 << 20
)

// encodeBody returns the wire body and its content encoding.
func encodeBody(payload []byte, compress bool) ([]byte, string, error) {
	if !compress {
		return payload, "", nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, "", fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), encodingGzip, nil
}

// decodeBody reverses encodeBody.
func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return body, nil
	case encodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()

		out, err := io.ReadAll(io.LimitReader(zr, maxDecodedBody+1))
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		if len(out) > maxDecodedBody {
			return nil, fmt.Errorf("decoded body exceeds %d bytes", maxDecodedBody)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
