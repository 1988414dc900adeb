package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ClobAuthMessage is the fixed attestation signed in every ClobAuth message.
const ClobAuthMessage = "This message attests that I control the given wallet"

var (
	eip712DomainTypeHash = ethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	clobAuthTypeHash     = ethcrypto.Keccak256([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
)

// Signer signs EIP-712 ClobAuth messages with a wallet key.
type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	domainSep []byte
}

// NewSigner creates a Signer for chainID (137 on Polygon mainnet).
func NewSigner(key *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		domainSep: ethcrypto.Keccak256(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte("ClobAuthDomain")),
			ethcrypto.Keccak256([]byte("1")),
			math.U256Bytes(big.NewInt(chainID)),
		),
	}
}

// Address returns the checksummed wallet address.
func (s *Signer) Address() string { return s.address.Hex() }

// ClobAuthDigest returns the EIP-712 digest of a ClobAuth message.
func (s *Signer) ClobAuthDigest(timestamp, nonce int64) []byte {
	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(strconv.FormatInt(timestamp, 10))),
		math.U256Bytes(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(ClobAuthMessage)),
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, s.domainSep, structHash)
}

// SignClobAuth signs a ClobAuth message and returns the 65-byte signature
// as 0x-prefixed hex with v in {27, 28}.
func (s *Signer) SignClobAuth(timestamp, nonce int64) (string, error) {
	sig, err := ethcrypto.Sign(s.ClobAuthDigest(timestamp, nonce), s.key)
	if err != nil {
		return "", fmt.Errorf("wallet: sign clob auth: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// L1Headers returns the headers that authenticate a credential request.
func (s *Signer) L1Headers(timestamp, nonce int64) (map[string]string, error) {
	sig, err := s.SignClobAuth(timestamp, nonce)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"POLY_ADDRESS":   s.Address(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}, nil
}
