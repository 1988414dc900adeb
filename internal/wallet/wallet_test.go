package wallet

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test key; never funded.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestKeySourceRawKey(t *testing.T) {
	key, err := KeySource{PrivateKey: "0x" + testKeyHex}.Load()
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, hex.EncodeToString(ethcrypto.FromECDSA(key)))

	_, err = KeySource{PrivateKey: "zz"}.Load()
	require.Error(t, err)

	_, err = KeySource{}.Load()
	require.Error(t, err)
	assert.False(t, KeySource{}.Configured())
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)

	blob, err := seal(key, "hunter2", 1000)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), testKeyHex)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := KeySource{EncryptedKeyPath: path, Password: "hunter2"}.Load()
	require.NoError(t, err)
	assert.Equal(t, key.D, got.D)

	_, err = Open(blob, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong password")

	_, err = seal(key, "", 1000)
	require.Error(t, err)
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	_, err := Open([]byte(`{"version":9}`), "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 9")
}

func TestSignClobAuthRecoversAddress(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	s := NewSigner(key, 137)

	sigHex, err := s.SignClobAuth(1700000000, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sigHex, "0x"))

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(s.ClobAuthDigest(1700000000, 0), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub).Hex())
}

func TestDigestDependsOnChainAndTimestamp(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)

	mainnet := NewSigner(key, 137)
	amoy := NewSigner(key, 80002)
	assert.NotEqual(t, mainnet.ClobAuthDigest(1, 0), amoy.ClobAuthDigest(1, 0))
	assert.NotEqual(t, mainnet.ClobAuthDigest(1, 0), mainnet.ClobAuthDigest(2, 0))
}

func TestL1Headers(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	h, err := NewSigner(key, 137).L1Headers(1700000000, 3)
	require.NoError(t, err)

	assert.Equal(t, "1700000000", h["POLY_TIMESTAMP"])
	assert.Equal(t, "3", h["POLY_NONCE"])
	assert.NotEmpty(t, h["POLY_SIGNATURE"])
	assert.True(t, strings.HasPrefix(h["POLY_ADDRESS"], "0x"))
}
