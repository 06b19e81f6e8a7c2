package sdk

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"github.com/gryffindors-team/yellow-sdk/wire"
)

func policyDigest(t *testing.T, appName, scope string, att *authAttempt) []byte {
	t.Helper()

	digest, _, err := apitypes.TypedDataAndHash(authPolicyTypedData(appName, scope, att))
	require.NoError(t, err)
	return digest
}

func TestAuthPolicyDigestBindsEveryField(t *testing.T) {
	t.Parallel()

	base := authAttempt{
		account:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		sessionKey: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		expire:     "1700000000",
		allowances: []wire.Allowance{{Asset: "usdc", Amount: "100"}},
		challenge:  "challenge-1",
	}

	d0 := policyDigest(t, "demo-app", "app", &base)
	require.Len(t, d0, 32)

	// Deterministic for identical inputs.
	require.Equal(t, d0, policyDigest(t, "demo-app", "app", &base))

	tests := []struct {
		name   string
		mutate func(att *authAttempt)
	}{
		{
			name: "challenge",
			mutate: func(att *authAttempt) {
				att.challenge = "challenge-2"
			},
		},
		{
			name: "expire",
			mutate: func(att *authAttempt) {
				att.expire = "1700000001"
			},
		},
		{
			name: "session key",
			mutate: func(att *authAttempt) {
				att.sessionKey = common.HexToAddress("0x3333333333333333333333333333333333333333")
			},
		},
		{
			name: "account",
			mutate: func(att *authAttempt) {
				att.account = common.HexToAddress("0x4444444444444444444444444444444444444444")
			},
		},
		{
			name: "allowance amount",
			mutate: func(att *authAttempt) {
				att.allowances = []wire.Allowance{{Asset: "usdc", Amount: "101"}}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			att := base
			tt.mutate(&att)
			require.NotEqual(t, d0, policyDigest(t, "demo-app", "app", &att))
		})
	}

	// The app name is the signing domain, the scope a policy field.
	require.NotEqual(t, d0, policyDigest(t, "other-app", "app", &base))
	require.NotEqual(t, d0, policyDigest(t, "demo-app", "console", &base))
}

func TestAuthPolicyDigestEmptyAllowances(t *testing.T) {
	t.Parallel()

	att := &authAttempt{
		account:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		sessionKey: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		expire:     "1700000000",
		allowances: []wire.Allowance{},
		challenge:  "challenge-1",
	}
	require.Len(t, policyDigest(t, "demo-app", "app", att), 32)
}
