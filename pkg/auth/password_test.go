package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateHashAndSalt(t *testing.T) {
	hash, salt, err := GenerateHashAndSalt("hunter2")
	require.NoError(t, err)
	require.Len(t, salt, 32)
	require.Len(t, hash, 64)
	require.Equal(t, hash, HashPasswordWithSalt("hunter2", salt))

	_, salt2, err := GenerateHashAndSalt("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, salt, salt2)
}

func TestLedgerValidate(t *testing.T) {
	hash, salt, err := GenerateHashAndSalt("s3cret")
	require.NoError(t, err)
	l := NewLedger([]Credential{{Username: "gateway", Salt: salt, Hash: hash}})

	tests := []struct {
		name     string
		user     string
		password string
		want     bool
	}{
		{"correct", "gateway", "s3cret", true},
		{"wrong password", "gateway", "S3cret", false},
		{"unknown user", "someone", "s3cret", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, l.Validate(tt.user, tt.password))
		})
	}
}
