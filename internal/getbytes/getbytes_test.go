package getbytes

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromGetBytes(t *testing.T) {
	var byteslicetests = []struct {
		byteslice []byte
		expect    string
	}{
		{FromSliceInt16([]int16{1, 2, 3, 4}), "0100020003000400"},
		{FromSlice([]int32{1, 2}), "0100000002000000"},
		{FromSlice([]uint16{0xABCD, 0xEF01}), "cdab01ef"},
		{FromSlice([]uint32{0xABCDEF01}), "01efcdab"},
		{FromSliceFloat32([]float32{1, 2}), "0000803f00000040"},
		{FromSliceFloat64([]float64{2, 4}), "00000000000000400000000000001040"},
		{FromSliceInt16([]int16{}), ""},
		{FromSliceFloat32([]float32{}), ""},
		{FromSliceFloat64(nil), ""},
	}
	for _, test := range byteslicetests {
		encodedStr := hex.EncodeToString(test.byteslice)
		if expectStr := test.expect; encodedStr != expectStr {
			t.Errorf("want %v, have %v", expectStr, encodedStr)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	values := []float32{-1.5, 0, 0.25, 3e-9}
	b := FromSliceFloat32(values)
	assert.Len(t, b, 16)
	back := ToFloat32(b)
	assert.Equal(t, values, back)

	// Shared memory, not a copy.
	back[0] = 7
	assert.Equal(t, float32(7), values[0])

	assert.Empty(t, ToFloat32([]byte{1, 2, 3}))
	assert.Len(t, ToSlice[int16]([]byte{1, 2, 3}), 1)
}
