package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	a, err := New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	ct, err := a.EncryptToString("hunter2")
	require.NoError(t, err)
	require.NotContains(t, ct, "hunter2")

	pt, err := a.DecryptString(ct)
	require.NoError(t, err)
	require.Equal(t, "hunter2", pt)
}

func TestNonceMakesCiphertextsDiffer(t *testing.T) {
	a, err := New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	c1, err := a.EncryptToString("same input")
	require.NoError(t, err)
	c2, err := a.EncryptToString("same input")
	require.NoError(t, err)
	require.NotEqual(t, c1, c2)
}

func TestTamperDetected(t *testing.T) {
	a, err := New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	ct, err := a.EncryptToString("hunter2")
	require.NoError(t, err)

	mangled := []byte(ct)
	mangled[len(mangled)-1] ^= 'x'
	_, err = a.DecryptString(string(mangled))
	require.Error(t, err)
}

func TestWrongKeyFails(t *testing.T) {
	a, err := New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	b, err := New(bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)

	ct, err := a.EncryptToString("hunter2")
	require.NoError(t, err)
	_, err = b.DecryptString(ct)
	require.Error(t, err)
}

func TestBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)
}

func TestGarbageCiphertext(t *testing.T) {
	a, err := New(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	_, err = a.DecryptString("!!!not base64!!!")
	require.Error(t, err)

	_, err = a.DecryptString("c2hvcnQ") // valid base64, too short for a nonce
	require.Error(t, err)
}
