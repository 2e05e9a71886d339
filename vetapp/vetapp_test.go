// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package vetapp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tillitis/ledger-agent/apdu"
	"github.com/tillitis/ledger-agent/hdpath"
	"github.com/tillitis/ledger-agent/hwerr"
)

func init() {
	apdu.SilenceLogging()
}

// scriptTransport records every frame and answers with the next
// scripted reply, or with reply() if that is set.
type scriptTransport struct {
	frames  []apdu.Frame
	replies [][]byte
	reply   func(f apdu.Frame) ([]byte, error)
	closed  bool
}

func (s *scriptTransport) Send(_ context.Context, f apdu.Frame, _ ...apdu.StatusWord) ([]byte, error) {
	s.frames = append(s.frames, f)
	if s.reply != nil {
		return s.reply(f)
	}
	if len(s.replies) == 0 {
		return nil, nil
	}
	rx := s.replies[0]
	s.replies = s.replies[1:]
	return rx, nil
}

func (s *scriptTransport) Close() error {
	s.closed = true
	return nil
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, f apdu.Frame, accept ...apdu.StatusWord) ([]byte, error) {
	args := m.Called(ctx, f)
	rx, _ := args.Get(0).([]byte)
	return rx, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

var testPath = hdpath.Parse("m/44'/818'/0'/0/3")

func sigReply(n int) []byte {
	return bytes.Repeat([]byte{0x5a}, n)
}

func TestGetAppConfiguration(t *testing.T) {
	mt := &mockTransport{}
	mt.On("Send", mock.Anything, mock.MatchedBy(func(f apdu.Frame) bool {
		return f.Cmd.Ins() == 0x06 && len(f.Data) == 0
	})).Return([]byte{0x01, 1, 0, 9}, nil).Once()

	cfg, err := New(mt).GetAppConfiguration(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.ContractData)
	assert.Equal(t, "1.0.9", cfg.VersionString())
	mt.AssertExpectations(t)
}

func TestGetAppConfigurationShort(t *testing.T) {
	st := &scriptTransport{replies: [][]byte{{0x00, 1}}}

	_, err := New(st).GetAppConfiguration(context.Background())
	assert.ErrorIs(t, err, hwerr.ErrMalformedResponse)
}

func TestGetAccountFrame(t *testing.T) {
	st := &scriptTransport{reply: func(apdu.Frame) ([]byte, error) {
		return accountReply(t, false), nil
	}}

	_, err := New(st).GetAccount(context.Background(), testPath, true, false)
	require.NoError(t, err)

	require.Len(t, st.frames, 1)
	f := st.frames[0]
	assert.Equal(t, byte(0x02), f.Cmd.Ins())
	assert.Equal(t, byte(0x01), f.P1, "display flag")
	assert.Equal(t, byte(0x00), f.P2, "chain code flag")
	assert.Equal(t, testPath.Bytes(), f.Data)
}

func TestSignTransactionCallbacks(t *testing.T) {
	// 1 + 4*5 = 21 header bytes, leaving 234 in the first frame:
	// 234 + 255 + 255 + 1 = 745 bytes needs 4 frames.
	rawTx := bytes.Repeat([]byte{0xab}, 745)

	var events []string
	var percents []int

	st := &scriptTransport{}
	st.reply = func(apdu.Frame) ([]byte, error) {
		events = append(events, "send")
		return sigReply(SignatureLen), nil
	}

	cb := Callbacks{
		OnAwaitingSignature: func() { events = append(events, "await") },
		OnProgress:          func(p int) { percents = append(percents, p) },
	}

	sig, err := New(st).SignTransaction(context.Background(), testPath, rawTx, cb)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureLen)

	assert.Equal(t, []string{"send", "send", "await", "send", "send"}, events)
	assert.Equal(t, []int{25, 50, 75, 100}, percents)

	require.Len(t, st.frames, 4)
	assert.Equal(t, byte(p1FirstChunk), st.frames[0].P1)
	for _, f := range st.frames[1:] {
		assert.Equal(t, byte(p1MoreChunks), f.P1)
	}
}

func TestSignSingleFrameAwaitsBeforeIt(t *testing.T) {
	var events []string
	st := &scriptTransport{reply: func(apdu.Frame) ([]byte, error) {
		events = append(events, "send")
		return sigReply(SignatureLen), nil
	}}

	_, err := New(st).SignTransaction(context.Background(), testPath, []byte{1, 2, 3}, Callbacks{
		OnAwaitingSignature: func() { events = append(events, "await") },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"await", "send"}, events)
}

func TestSignTwoFramesAwaitsOnce(t *testing.T) {
	var events []string
	st := &scriptTransport{reply: func(apdu.Frame) ([]byte, error) {
		events = append(events, "send")
		return sigReply(SignatureLen), nil
	}}

	_, err := New(st).SignTransaction(context.Background(), testPath, bytes.Repeat([]byte{1}, 300), Callbacks{
		OnAwaitingSignature: func() { events = append(events, "await") },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"await", "send", "send"}, events)
}

func TestSignSignatureLength(t *testing.T) {
	tests := []struct {
		name    string
		last    []byte
		wantErr bool
	}{
		{"exact", sigReply(65), false},
		{"longer", append(sigReply(65), 0x01, 0x02), false},
		{"short", sigReply(64), true},
		{"empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &scriptTransport{reply: func(apdu.Frame) ([]byte, error) {
				return tt.last, nil
			}}

			sig, err := New(st).SignTransaction(context.Background(), testPath, []byte{1}, Callbacks{})
			if tt.wantErr {
				assert.ErrorIs(t, err, hwerr.ErrInvalidSignatureLength)
				assert.Equal(t, hwerr.InvalidSignatureLength, hwerr.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.last[:65], sig)
		})
	}
}

func TestSignOnlyLastResponseMatters(t *testing.T) {
	rawTx := bytes.Repeat([]byte{1}, 600)
	st := &scriptTransport{replies: [][]byte{nil, {0x01}, sigReply(65)}}

	sig, err := New(st).SignTransaction(context.Background(), testPath, rawTx, Callbacks{})
	require.NoError(t, err)
	assert.Len(t, sig, 65)
	assert.Len(t, st.frames, 3)
}

func TestSignStopsOnError(t *testing.T) {
	rawTx := bytes.Repeat([]byte{1}, 600)
	statusErr := &apdu.StatusError{Cmd: cmdSignTransaction, Status: apdu.StatusContractDataOff}

	st := &scriptTransport{}
	st.reply = func(apdu.Frame) ([]byte, error) {
		if len(st.frames) == 2 {
			return nil, statusErr
		}
		return nil, nil
	}

	_, err := New(st).SignTransaction(context.Background(), testPath, rawTx, Callbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, statusErr))
	assert.Equal(t, hwerr.ConditionsNotSatisfied, hwerr.Classify(err))
	assert.Len(t, st.frames, 2, "no frame may follow a failed one")
}

func TestSignJSONHasLengthPrefix(t *testing.T) {
	doc := []byte(`{"a":1}`)
	st := &scriptTransport{reply: func(apdu.Frame) ([]byte, error) {
		return sigReply(65), nil
	}}

	_, err := New(st).SignJSON(context.Background(), testPath, doc, Callbacks{})
	require.NoError(t, err)

	require.Len(t, st.frames, 1)
	f := st.frames[0]
	assert.Equal(t, byte(0x09), f.Cmd.Ins())
	hdr := testPath.EncodedLen()
	assert.Equal(t, []byte{0, 0, 0, byte(len(doc))}, f.Data[hdr:hdr+4])
	assert.Equal(t, doc, f.Data[hdr+4:])
}

func TestSignCertificate(t *testing.T) {
	st := &scriptTransport{reply: func(apdu.Frame) ([]byte, error) {
		return sigReply(65), nil
	}}

	cert := Certificate{
		Purpose:   PurposeIdentification,
		Payload:   CertificatePayload{Type: "text", Content: "log in"},
		Domain:    "example.org",
		Timestamp: 1700000000,
		Signer:    "0xEC954B8E81777354D0A35111D83373B9EC171C64",
	}

	_, err := New(st).SignCertificate(context.Background(), testPath, cert, Callbacks{})
	require.NoError(t, err)

	want, err := cert.Encode()
	require.NoError(t, err)
	hdr := testPath.EncodedLen() + contentLenSize
	assert.Equal(t, want, st.frames[0].Data[hdr:])
}

func accountReply(t *testing.T, withChainCode bool) []byte {
	t.Helper()

	pub := make([]byte, 65)
	pub[0] = 0x04
	for i := 1; i < len(pub); i++ {
		pub[i] = byte(i)
	}
	addr := []byte("0xEC954B8E81777354D0A35111D83373B9EC171C64")

	rx := []byte{byte(len(pub))}
	rx = append(rx, pub...)
	rx = append(rx, byte(len(addr)))
	rx = append(rx, addr...)
	if withChainCode {
		rx = append(rx, bytes.Repeat([]byte{0xcc}, 32)...)
	}
	return rx
}
