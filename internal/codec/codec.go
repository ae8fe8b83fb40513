// Package codec encodes the values replicated between controller nodes.
//
// Payloads are CBOR with Core Deterministic Encoding, so the same
// partition always produces the same bytes, and are zstd-compressed when
// that makes them smaller. A one-byte header records which form follows.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	formatRaw  byte = 0
	formatZstd byte = 1
)

// compressThreshold is the encoded size below which compression is skipped
const compressThreshold = 256

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd.Encoder and zstd.Decoder are safe for concurrent use
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Heartbeat timestamps keep sub-second precision across the cluster
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR without framing
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode marshals v and frames it, compressing large payloads
func Encode(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if len(data) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		if len(compressed) < len(data)+1 {
			compressed[0] = formatZstd
			return compressed, nil
		}
	}

	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, formatRaw)
	return append(framed, data...), nil
}

// Decode reverses Encode
func Decode(framed []byte, v any) error {
	if len(framed) == 0 {
		return fmt.Errorf("empty payload")
	}

	body := framed[1:]
	switch framed[0] {
	case formatRaw:
	case formatZstd:
		decompressed, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		body = decompressed
	default:
		return fmt.Errorf("unknown payload format %d", framed[0])
	}

	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
