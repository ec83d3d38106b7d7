package ident_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostpulse/hostpulse/pkg/ident"
)

func TestFromMacs_Stable(t *testing.T) {
	fp, err := ident.FromMacs(sha256.New(), "M1")
	require.NoError(t, err)

	first := fp.Hex()
	second := fp.Hex()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second, "fingerprint must be stable across reads")
}

func TestFromMacs_NameChangesFingerprint(t *testing.T) {
	a, err := ident.FromMacs(sha256.New(), "M1")
	require.NoError(t, err)
	b, err := ident.FromMacs(sha256.New(), "M2")
	require.NoError(t, err)

	assert.NotEqual(t, a.Hex(), b.Hex())
}
