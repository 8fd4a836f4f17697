package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/facility-index/internal/facility"
)

func batch(n int) []facility.Facility {
	out := make([]facility.Facility, 0, n)
	for i := range n {
		out = append(out, facility.Facility{
			ID:          fmt.Sprintf("id-%03d", i),
			Name:        fmt.Sprintf("Clinic %d", i),
			Coordinates: [2]float64{5.1 + float64(i)/1000, 7.3},
			Properties:  facility.Properties{Sector: "health"},
		})
	}
	return out
}

func TestRoundTrip_PreservesOrder(t *testing.T) {
	in := batch(50)
	enc, err := Encode(in)
	require.NoError(t, err)
	require.Len(t, enc.Data, 1)

	out, err := Decode(enc.Data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncode_Sizes(t *testing.T) {
	in := batch(200)
	enc, err := Encode(in)
	require.NoError(t, err)

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(raw)), enc.UncompressedSize)
	assert.Equal(t, uint64(len(enc.Data[0])), enc.CompressedSize)
	assert.Less(t, enc.CompressedSize, enc.UncompressedSize, "repetitive batches must shrink")
}

func TestEncode_EmptyBatch(t *testing.T) {
	enc, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), enc.UncompressedSize)

	out, err := Decode(enc.Data)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string][]string{
		"empty":      nil,
		"not base64": {"%%%"},
		"not zstd":   {base64.StdEncoding.EncodeToString([]byte("plain"))},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCodec))
		})
	}
}

func TestDecode_NotJSON(t *testing.T) {
	e, _, err := coders()
	require.NoError(t, err)
	blob := base64.StdEncoding.EncodeToString(e.EncodeAll([]byte("{nope"), nil))

	_, err = Decode([]string{blob})
	require.ErrorIs(t, err, ErrCodec)
}
