// Package codec converts facility batches to and from the compact text form
// stored for every quadtree leaf: a single-element array holding
// base64(zstd(JSON)).
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/mohammed-shakir/facility-index/internal/facility"
)

var ErrCodec = errors.New("leaf payload codec")

// Encoded is a compressed batch together with the sizes recorded on its leaf.
type Encoded struct {
	Data             []string
	UncompressedSize uint64
	CompressedSize   uint64
}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
)

func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		enc, initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if initErr != nil {
			return
		}
		dec, initErr = zstd.NewReader(nil)
	})
	return enc, dec, initErr
}

// Encode serializes and compresses a batch. A nil batch encodes as [].
func Encode(batch []facility.Facility) (Encoded, error) {
	if batch == nil {
		batch = []facility.Facility{}
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: marshal: %v", ErrCodec, err)
	}
	e, _, err := coders()
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: init: %v", ErrCodec, err)
	}
	blob := base64.StdEncoding.EncodeToString(e.EncodeAll(raw, nil))
	return Encoded{
		Data:             []string{blob},
		UncompressedSize: uint64(len(raw)),
		CompressedSize:   uint64(len(blob)),
	}, nil
}

// Decode reverses Encode. Only the first element of data is read.
func Decode(data []string) ([]facility.Facility, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCodec)
	}
	z, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrCodec, err)
	}
	_, d, err := coders()
	if err != nil {
		return nil, fmt.Errorf("%w: init: %v", ErrCodec, err)
	}
	raw, err := d.DecodeAll(z, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCodec, err)
	}
	var out []facility.Facility
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrCodec, err)
	}
	if out == nil {
		out = []facility.Facility{}
	}
	return out, nil
}
