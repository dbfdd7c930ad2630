package padding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalengine/internal/errs"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte{},
		[]byte("hi"),
		bytes.Repeat([]byte("a"), 157),
		bytes.Repeat([]byte("a"), 158),
		bytes.Repeat([]byte("a"), 159),
		bytes.Repeat([]byte("a"), 1000),
	}
	for _, plaintext := range cases {
		padded := Pad(plaintext)
		assert.Zero(t, (len(padded)+1)%blockSize, "padded length must be a multiple of blockSize minus one boundary")

		got, err := Unpad(padded)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got))
	}
}

func TestUnpadRejectsMissingTerminator(t *testing.T) {
	padded := make([]byte, blockSize-1)
	_, err := Unpad(padded)
	require.Error(t, err)
	assert.IsType(t, errs.InvalidPadding{}, err)
}

func TestUnpadRejectsGarbageAfterTerminator(t *testing.T) {
	padded := Pad([]byte("hello"))
	padded[len(padded)-1] = 0x01

	_, err := Unpad(padded)
	require.Error(t, err)
	assert.IsType(t, errs.InvalidPadding{}, err)
}
