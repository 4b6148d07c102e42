package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressMin is the body size below which compression is skipped; small
// JSON documents rarely shrink enough to pay for the CPU.
const compressMin = 4096

// zstdEncoder and zstdDecoder are reused across calls. Both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// maybeCompress compresses data when it is large enough and actually
// shrinks; incompressible bodies are stored as-is.
func maybeCompress(data []byte) ([]byte, bool) {
	if len(data) < compressMin {
		return data, false
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

func decompress(body []byte) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return result, nil
}
