package seal

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

// share is one point of the data key polynomial. The library appends x to
// the 32 bytes of y; the envelope keeps x as the server's share index.
type share struct {
	x byte
	y [32]byte
}

func splitSecret(secret [32]byte, n, t int) ([]share, error) {
	if t < 1 || t > n || n > 255 {
		return nil, fmt.Errorf("invalid sharing %d of %d", t, n)
	}
	shares := make([]share, n)
	if t == 1 {
		// Constant polynomial: every share is the secret.
		for i := range shares {
			shares[i] = share{x: byte(i + 1), y: secret}
		}
		return shares, nil
	}
	parts, err := shamir.Split(secret[:], n, t)
	if err != nil {
		return nil, err
	}
	for i, p := range parts {
		if len(p) != len(secret)+1 {
			return nil, fmt.Errorf("unexpected share length %d", len(p))
		}
		shares[i].x = p[len(secret)]
		copy(shares[i].y[:], p[:len(secret)])
	}
	return shares, nil
}

// combineShares interpolates at zero. Callers pass exactly threshold shares
// with distinct nonzero x.
func combineShares(shares []share) ([32]byte, error) {
	var secret [32]byte
	if len(shares) == 0 {
		return secret, fmt.Errorf("no shares")
	}
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if s.x == 0 || seen[s.x] {
			return secret, fmt.Errorf("invalid share index %d", s.x)
		}
		seen[s.x] = true
	}
	if len(shares) == 1 {
		return shares[0].y, nil
	}
	parts := make([][]byte, len(shares))
	for i, s := range shares {
		p := make([]byte, 0, len(s.y)+1)
		p = append(p, s.y[:]...)
		parts[i] = append(p, s.x)
	}
	out, err := shamir.Combine(parts)
	if err != nil {
		return secret, err
	}
	copy(secret[:], out)
	return secret, nil
}
