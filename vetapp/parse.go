// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package vetapp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/tillitis/ledger-agent/hwerr"
)

// SignatureLen is the size of a signature: r, s and recovery id.
const SignatureLen = 65

const chainCodeLen = 32

// Account is the public part of a key derived on the device.
type Account struct {
	PublicKey string // hex
	Address   string // lower case, 0x prefixed
	ChainCode string // hex, empty unless requested
}

// PublicKeyBytes decodes PublicKey.
func (a Account) PublicKeyBytes() []byte {
	b, _ := hex.DecodeString(a.PublicKey)
	return b
}

// VerifyPublicKey checks that Address is derived from PublicKey, which
// must be an uncompressed secp256k1 point.
func (a Account) VerifyPublicKey() error {
	pub := a.PublicKeyBytes()
	if len(pub) != 65 || pub[0] != 0x04 {
		return fmt.Errorf("%w: public key is not an uncompressed point", hwerr.ErrMalformedResponse)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	want := "0x" + hex.EncodeToString(h.Sum(nil)[12:])

	if want != a.Address {
		return fmt.Errorf("%w: address %s does not match public key", hwerr.ErrMalformedResponse, a.Address)
	}

	return nil
}

// CheckPublicKey runs VerifyPublicKey on uncompressed keys. Keys of
// any other size are taken as sent.
func (a Account) CheckPublicKey() error {
	if len(a.PublicKeyBytes()) != 65 {
		return nil
	}
	return a.VerifyPublicKey()
}

// AppConfig is the reply to getAppConfiguration.
type AppConfig struct {
	ContractData bool // contract data / multi-clause signing enabled
	Version      [3]byte
}

func (c AppConfig) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", c.Version[0], c.Version[1], c.Version[2])
}

// parseAppConfig decodes:
//
//	Description            | Length
//	-----------------------+--------
//	Flags                  | 1 byte
//	Major, minor, patch    | 3 bytes
func parseAppConfig(rx []byte) (*AppConfig, error) {
	if len(rx) < 4 {
		return nil, fmt.Errorf("%w: app configuration is %d bytes", hwerr.ErrMalformedResponse, len(rx))
	}

	var cfg AppConfig
	cfg.ContractData = rx[0]&0x01 != 0
	copy(cfg.Version[:], rx[1:4])

	return &cfg, nil
}

// parseAccount decodes:
//
//	Description             | Length
//	------------------------+-------------------
//	Public key length       | 1 byte
//	Public key              | arbitrary
//	Address length          | 1 byte
//	Address                 | hex ascii, 0x optional
//	Chain code if requested | 32 bytes
func parseAccount(rx []byte, withChainCode bool) (*Account, error) {
	r := bytes.NewReader(rx)

	pub, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	addr, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}

	address, err := normalizeAddress(string(addr))
	if err != nil {
		return nil, err
	}

	acc := &Account{
		PublicKey: hex.EncodeToString(pub),
		Address:   address,
	}

	if withChainCode {
		cc := make([]byte, chainCodeLen)
		if n, _ := r.Read(cc); n != chainCodeLen {
			return nil, fmt.Errorf("%w: chain code is %d bytes", hwerr.ErrMalformedResponse, n)
		}
		acc.ChainCode = hex.EncodeToString(cc)
	}

	return acc, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: missing length", hwerr.ErrMalformedResponse)
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", hwerr.ErrMalformedResponse, n, r.Len())
	}

	b := make([]byte, n)
	_, _ = r.Read(b)

	return b, nil
}

func normalizeAddress(s string) (string, error) {
	s = strings.ToLower(s)
	s = strings.TrimPrefix(s, "0x")

	if len(s) != 40 {
		return "", fmt.Errorf("%w: address has %d hex digits", hwerr.ErrMalformedResponse, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: address is not hex", hwerr.ErrMalformedResponse)
	}

	return "0x" + s, nil
}

// parseSignature takes the signature from the response to the last
// sign frame.
func parseSignature(rx []byte) ([]byte, error) {
	if len(rx) < SignatureLen {
		return nil, fmt.Errorf("%w: got %d bytes", hwerr.ErrInvalidSignatureLength, len(rx))
	}

	sig := make([]byte, SignatureLen)
	copy(sig, rx)

	return sig, nil
}

// SigningHash is the digest the device signs for a transaction:
// blake2b-256 over the encoded transaction.
func SigningHash(rawTx []byte) [32]byte {
	return blake2b.Sum256(rawTx)
}
