package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMessageRoundTrip(t *testing.T) {
	in := InitMessage{BlockID: "dGhlLWJsb2NrLXRva2Vu", Kind: NewInstance, InstanceID: 7}
	out, err := DecodeInit(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeInitRejectsCorruption(t *testing.T) {
	encoded := InitMessage{BlockID: "token", Kind: SecondaryInstance, InstanceID: 1}.Encode()
	for i := range encoded {
		corrupted := append([]byte(nil), encoded...)
		corrupted[i] ^= 0x01
		_, err := DecodeInit(corrupted)
		assert.Error(t, err, "flip at byte %d accepted", i)
	}
}

func TestDecodeInitRejectsTruncation(t *testing.T) {
	encoded := InitMessage{BlockID: "token", Kind: NewInstance, InstanceID: 1}.Encode()
	for n := 0; n < len(encoded); n++ {
		_, err := DecodeInit(encoded[:n])
		assert.Error(t, err, "truncation to %d bytes accepted", n)
	}
}

func TestDecodeInitRejectsInvalidType(t *testing.T) {
	_, err := DecodeInit(InitMessage{BlockID: "token", Kind: InvalidConnection, InstanceID: 1}.Encode())
	assert.Error(t, err)
	_, err = DecodeInit(InitMessage{BlockID: "token", Kind: ConnectionType(200), InstanceID: 1}.Encode())
	assert.Error(t, err)
}

func TestConnectionTypeString(t *testing.T) {
	assert.Equal(t, "new-instance", NewInstance.String())
	assert.Equal(t, "invalid", InvalidConnection.String())
	assert.Equal(t, "invalid", ConnectionType(99).String())
}
