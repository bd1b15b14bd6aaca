package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))
	m, err := NewManager(key)
	require.NoError(t, err)

	cases := [][]byte{
		[]byte("hello world"),
		[]byte(`{"username":"admin","password":"secret123"}`),
		{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD},
		bytes.Repeat([]byte("test"), 1000),
	}

	for _, plaintext := range cases {
		ciphertext, err := m.Encrypt(plaintext)
		require.NoError(t, err)
		require.NotEqual(t, plaintext, ciphertext)

		decrypted, err := m.Decrypt(ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, decrypted)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))
	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	m1, _ := NewManager(key1)
	m2, _ := NewManager(key2)

	ciphertext, err := m1.Encrypt([]byte("secret data"))
	require.NoError(t, err)

	_, err = m2.Decrypt(ciphertext)
	require.Error(t, err)
}

func TestCreateAndGetSecret(t *testing.T) {
	key := make([]byte, 32)
	m, _ := NewManager(key)

	secret, err := m.CreateSecret("db-password", []byte("supersecret123"))
	require.NoError(t, err)
	require.NotEmpty(t, secret.ID)
	require.NotEmpty(t, secret.Data)

	data, err := m.GetSecretData(secret)
	require.NoError(t, err)
	require.Equal(t, []byte("supersecret123"), data)
}

func TestCreateSecret_EmptyName(t *testing.T) {
	key := make([]byte, 32)
	m, _ := NewManager(key)

	_, err := m.CreateSecret("", []byte("data"))
	require.Error(t, err)
}

func TestDeriveClusterKey(t *testing.T) {
	key, err := DeriveClusterKey("cluster-123")
	require.NoError(t, err)
	require.Len(t, key, 32)

	key2, err := DeriveClusterKey("cluster-123")
	require.NoError(t, err)
	require.Equal(t, key, key2, "derivation must be deterministic")

	differentKey, err := DeriveClusterKey("cluster-123-different")
	require.NoError(t, err)
	require.NotEqual(t, key, differentKey)
}
