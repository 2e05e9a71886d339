// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package vetapp

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/tillitis/ledger-agent/hwerr"
)

func TestParseAccountScenario(t *testing.T) {
	pub := bytes.Repeat([]byte{0x04}, 65)
	chainCode := bytes.Repeat([]byte{0x11}, 32)
	addr := "0xec954b8e81777354d0a35111d83373b9ec171c64"

	rx := []byte{65}
	rx = append(rx, pub...)
	rx = append(rx, 42)
	rx = append(rx, addr...)
	rx = append(rx, chainCode...)

	acc, err := parseAccount(rx, true)
	require.NoError(t, err)
	assert.Equal(t, Account{
		PublicKey: hex.EncodeToString(pub),
		Address:   addr,
		ChainCode: hex.EncodeToString(chainCode),
	}, *acc)
}

func TestParseAccountNormalizesAddress(t *testing.T) {
	for _, in := range []string{
		"EC954B8E81777354D0A35111D83373B9EC171C64",
		"0xEC954B8E81777354d0a35111d83373b9ec171c64",
	} {
		rx := append([]byte{1, 0x04, byte(len(in))}, in...)
		acc, err := parseAccount(rx, false)
		require.NoError(t, err)
		assert.Equal(t, "0xec954b8e81777354d0a35111d83373b9ec171c64", acc.Address)
		assert.Empty(t, acc.ChainCode)
	}
}

func TestParseAccountMalformed(t *testing.T) {
	addr := []byte("0xec954b8e81777354d0a35111d83373b9ec171c64")
	valid := append(append([]byte{2, 0x04, 0x05, byte(len(addr))}, addr...), bytes.Repeat([]byte{1}, 32)...)

	tests := []struct {
		name      string
		rx        []byte
		chainCode bool
	}{
		{"empty", nil, false},
		{"public key past end", []byte{65, 0x04}, false},
		{"missing address length", []byte{1, 0x04}, false},
		{"address past end", []byte{1, 0x04, 42, '0', 'x'}, false},
		{"address not hex", append([]byte{1, 0x04, 40}, bytes.Repeat([]byte{'z'}, 40)...), false},
		{"address wrong size", append([]byte{1, 0x04, 10}, bytes.Repeat([]byte{'a'}, 10)...), false},
		{"chain code short", valid[:len(valid)-1], true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseAccount(tt.rx, tt.chainCode)
			assert.ErrorIs(t, err, hwerr.ErrMalformedResponse)
			assert.Equal(t, hwerr.MalformedResponse, hwerr.Classify(err))
		})
	}

	_, err := parseAccount(valid, true)
	assert.NoError(t, err)
}

func TestVerifyPublicKey(t *testing.T) {
	pub := make([]byte, 65)
	pub[0] = 0x04
	for i := 1; i < len(pub); i++ {
		pub[i] = byte(i * 3)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	addr := "0x" + hex.EncodeToString(h.Sum(nil)[12:])

	acc := Account{PublicKey: hex.EncodeToString(pub), Address: addr}
	assert.NoError(t, acc.VerifyPublicKey())

	acc.Address = "0xec954b8e81777354d0a35111d83373b9ec171c64"
	assert.ErrorIs(t, acc.VerifyPublicKey(), hwerr.ErrMalformedResponse)

	acc.PublicKey = "04"
	assert.Error(t, acc.VerifyPublicKey())
}

func TestCertificateEncode(t *testing.T) {
	cert := Certificate{
		Purpose:   PurposeAgreement,
		Payload:   CertificatePayload{Type: "text", Content: "a < b & c"},
		Domain:    "example.org",
		Timestamp: 1545035330,
		Signer:    "0xEC954B8E81777354D0A35111D83373B9EC171C64",
	}

	b, err := cert.Encode()
	require.NoError(t, err)
	assert.Equal(t,
		`{"domain":"example.org","payload":{"content":"a < b & c","type":"text"},"purpose":"agreement","signer":"0xec954b8e81777354d0a35111d83373b9ec171c64","timestamp":1545035330}`,
		string(b))

	cert.Purpose = "other"
	_, err = cert.Encode()
	assert.Error(t, err)

	cert.Purpose = PurposeIdentification
	cert.Domain = ""
	_, err = cert.Encode()
	assert.Error(t, err)
}

func TestSigningHash(t *testing.T) {
	h := SigningHash([]byte("tx"))
	assert.Len(t, h, 32)
	assert.NotEqual(t, SigningHash([]byte("tx2")), h)
}
