package mpc

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// Share is one evaluation of the sharing polynomial. X is never zero.
type Share struct {
	X uint64
	Y fr.Element
}

// Coefficients draws the random coefficients of a sharing polynomial.
type Coefficients func() (fr.Element, error)

// RandomCoefficients draws coefficients from crypto/rand.
func RandomCoefficients() (fr.Element, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return fr.Element{}, fmt.Errorf("drawing coefficient: %w", err)
	}
	return e, nil
}

// PreHash maps a name into the scalar field: SHA-256 of its UTF-8 bytes,
// reduced modulo the field order.
func PreHash(name string) fr.Element {
	digest := sha256.Sum256([]byte(name))
	var e fr.Element
	e.SetBytes(digest[:])
	return e
}

// Split shares secret among n players so that all n shares are needed to
// recover it: the polynomial has degree n-1 and the secret as constant term.
func Split(secret fr.Element, n int, coefficients Coefficients) ([]Share, error) {
	if n < 2 {
		return nil, errors.New("sharing needs at least two players")
	}
	if coefficients == nil {
		coefficients = RandomCoefficients
	}

	poly := make([]fr.Element, n)
	poly[0] = secret
	for i := 1; i < n; i++ {
		c, err := coefficients()
		if err != nil {
			return nil, err
		}
		poly[i] = c
	}

	shares := make([]Share, n)
	for i := range shares {
		x := uint64(i + 1)
		shares[i] = Share{X: x, Y: evaluate(poly, x)}
	}
	return shares, nil
}

// Combine recovers the secret from shares by Lagrange interpolation at zero.
func Combine(shares []Share) fr.Element {
	var secret fr.Element
	for i, si := range shares {
		var num, den fr.Element
		num.SetOne()
		den.SetOne()

		var xi fr.Element
		xi.SetUint64(si.X)
		for j, sj := range shares {
			if i == j {
				continue
			}
			var xj, diff fr.Element
			xj.SetUint64(sj.X)
			num.Mul(&num, &xj)
			diff.Sub(&xj, &xi)
			den.Mul(&den, &diff)
		}

		var term fr.Element
		term.Inverse(&den)
		term.Mul(&term, &num)
		term.Mul(&term, &si.Y)
		secret.Add(&secret, &term)
	}
	return secret
}

// evaluate computes poly(x) with Horner's rule.
func evaluate(poly []fr.Element, x uint64) fr.Element {
	var fx, result fr.Element
	fx.SetUint64(x)
	for i := len(poly) - 1; i >= 0; i-- {
		result.Mul(&result, &fx)
		result.Add(&result, &poly[i])
	}
	return result
}
