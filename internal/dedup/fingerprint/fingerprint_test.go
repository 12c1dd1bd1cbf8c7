// Copyright (C) 2024 The dedup Authors

package fingerprint

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA256KnownVector(t *testing.T) {
	requireT := require.New(t)

	fp := SHA256{}.Sum([]byte("abc"))
	requireT.Equal(
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		hex.EncodeToString(fp[:]))
}

func TestHashersDisagree(t *testing.T) {
	requireT := require.New(t)

	data := []byte("the same input")
	requireT.NotEqual(SHA256{}.Sum(data), BLAKE3{}.Sum(data))
}

func TestDeterministic(t *testing.T) {
	requireT := require.New(t)

	for _, h := range []Hasher{SHA256{}, BLAKE3{}} {
		requireT.Equal(h.Sum([]byte("x")), h.Sum([]byte("x")))
		requireT.NotEqual(h.Sum([]byte("x")), h.Sum([]byte("y")))
	}
}

func TestNew(t *testing.T) {
	requireT := require.New(t)

	h, err := New("sha256")
	requireT.NoError(err)
	requireT.IsType(SHA256{}, h)

	h, err = New("blake3")
	requireT.NoError(err)
	requireT.IsType(BLAKE3{}, h)

	_, err = New("md5")
	requireT.Error(err)
}
