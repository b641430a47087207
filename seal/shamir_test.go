package seal

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShamir(t *testing.T) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)

	for _, tc := range []struct{ n, t int }{{1, 1}, {3, 1}, {2, 2}, {3, 2}, {5, 3}, {7, 7}} {
		shares, err := splitSecret(secret, tc.n, tc.t)
		require.NoError(t, err)
		require.Len(t, shares, tc.n)

		xs := make(map[byte]bool, tc.n)
		for _, s := range shares {
			assert.NotZero(t, s.x, "share index zero is the secret itself")
			xs[s.x] = true
		}
		assert.Len(t, xs, tc.n, "share indexes are distinct")

		// every window of t consecutive shares reconstructs
		for start := 0; start+tc.t <= tc.n; start++ {
			got, err := combineShares(shares[start : start+tc.t])
			require.NoError(t, err)
			assert.Equal(t, secret, got, "n=%d t=%d start=%d", tc.n, tc.t, start)
		}
		if tc.t > 1 {
			got, err := combineShares(shares[:tc.t-1])
			require.NoError(t, err)
			assert.NotEqual(t, secret, got, "fewer than t shares must not reconstruct")
		}
	}
}

func TestShamirRejects(t *testing.T) {
	var secret [32]byte
	_, err := splitSecret(secret, 2, 3)
	require.Error(t, err)
	_, err = splitSecret(secret, 2, 0)
	require.Error(t, err)
	_, err = splitSecret(secret, 256, 2)
	require.Error(t, err)

	_, err = combineShares(nil)
	require.Error(t, err)
	_, err = combineShares([]share{{x: 1}, {x: 1}})
	require.Error(t, err)
	_, err = combineShares([]share{{x: 0}, {x: 2}})
	require.Error(t, err)
}
