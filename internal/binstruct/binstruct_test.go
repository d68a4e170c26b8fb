package binstruct_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mdraid.dev/mdassemble-ng/internal/binstruct"
)

type sample struct {
	A uint32    `bin:"off=0x0, siz=0x4"`
	B uint16    `bin:"off=0x4, siz=0x2"`
	C [4]byte   `bin:"off=0x6, siz=0x4"`

	binstruct.End `bin:"off=0xa"`
}

func TestMarshalPlacesFieldsAtTheirDeclaredOffsets(t *testing.T) {
	s := sample{A: 0x01020304, B: 0xabcd, C: [4]byte{9, 8, 7, 6}}
	out, err := binstruct.Marshal(s)
	require.NoError(t, err)
	require.Len(t, out, 0xa)

	// little-endian A at offset 0.
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, out[0:4])
	// little-endian B at offset 4.
	assert.Equal(t, []byte{0xcd, 0xab}, out[4:6])
	// raw byte array C at offset 6.
	assert.Equal(t, []byte{9, 8, 7, 6}, out[6:10])
}

func TestUnmarshalIsTheInverseOfMarshal(t *testing.T) {
	want := sample{A: 0xdeadbeef, B: 0x1234, C: [4]byte{1, 2, 3, 4}}
	buf, err := binstruct.Marshal(want)
	require.NoError(t, err)

	var got sample
	n, err := binstruct.Unmarshal(buf, &got)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, want, got)
}
