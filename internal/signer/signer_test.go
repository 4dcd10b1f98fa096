package signer

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := New("0x" + hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

func TestSignVerify(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`{"text":"Alice called Bob"}`)

	sig, ts := s.Sign(body, "POST", "/api/anonymize")

	addr, err := Verify(sig, body, ts, "POST", "/api/anonymize")
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
}

func TestVerify_TamperedRequestRecoversOtherAddress(t *testing.T) {
	s := newTestSigner(t)
	body := []byte(`{"text":"x"}`)
	sig := s.SignAt(body, "POST", "/api/anonymize", 42)

	tests := []struct {
		name   string
		body   []byte
		ts     int64
		method string
		path   string
	}{
		{"body", []byte(`{"text":"y"}`), 42, "POST", "/api/anonymize"},
		{"timestamp", body, 43, "POST", "/api/anonymize"},
		{"path", body, 42, "POST", "/api/deanonymize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Verify(sig, tt.body, tt.ts, tt.method, tt.path)
			if err == nil {
				assert.NotEqual(t, s.Address(), addr)
			}
		})
	}
}

func TestVerify_Garbage(t *testing.T) {
	_, err := Verify("not base64!", nil, 0, "POST", "/")
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = Verify("AAAA", nil, 0, "POST", "/")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New("zz")
	assert.Error(t, err)

	_, err = New("0x1234")
	assert.Error(t, err)
}

func TestSignAt_Deterministic(t *testing.T) {
	s := newTestSigner(t)
	assert.Equal(t,
		s.SignAt([]byte("p"), "POST", "/a", 1),
		s.SignAt([]byte("p"), "POST", "/a", 1),
	)
}
