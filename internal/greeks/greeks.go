// Package greeks prices European options under Black-Scholes with a
// continuous dividend yield and derives implied volatility by bracketed
// root-finding (Brent's method).
//
// The package is pure and stateless: no shared mutable state, safe to
// call from any goroutine. Inputs use years for time and decimals for
// rates and volatility (0.15 = 15%).
package greeks

import (
	"errors"
	"fmt"
	"math"

	"options-gateway/pkg/types"
)

const (
	// SigmaMin and SigmaMax bracket the implied-vol search.
	SigmaMin = 1e-4
	SigmaMax = 5.0

	brentMaxIterations = 100
	brentTolerance     = 1e-8
)

// ErrNoBracket is returned when the market price cannot be matched by any
// volatility within [SigmaMin, SigmaMax] (for example, price below
// intrinsic value).
var ErrNoBracket = errors.New("market price outside attainable range")

// Params carries the pricing inputs shared by all functions.
type Params struct {
	Spot         float64          // S, current underlying price
	Strike       float64          // K
	TimeToExpiry float64          // T in years, >= 0
	Rate         float64          // r, risk-free rate
	Dividend     float64          // q, continuous dividend yield
	Type         types.OptionType // CE or PE
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1d2(p Params, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(p.TimeToExpiry)
	d1 := (math.Log(p.Spot/p.Strike) + (p.Rate-p.Dividend+0.5*sigma*sigma)*p.TimeToExpiry) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// Intrinsic returns the exercise value of the option at spot.
func Intrinsic(p Params) float64 {
	if p.Type == types.OptionPut {
		return math.Max(p.Strike-p.Spot, 0)
	}
	return math.Max(p.Spot-p.Strike, 0)
}

// Price returns the Black-Scholes price. For T = 0 (or degenerate
// inputs) it returns intrinsic value; it never returns NaN or Inf.
func Price(p Params, sigma float64) float64 {
	if p.TimeToExpiry <= 0 || sigma <= 0 || p.Spot <= 0 || p.Strike <= 0 {
		return Intrinsic(p)
	}
	d1, d2 := d1d2(p, sigma)
	discS := p.Spot * math.Exp(-p.Dividend*p.TimeToExpiry)
	discK := p.Strike * math.Exp(-p.Rate*p.TimeToExpiry)

	var price float64
	if p.Type == types.OptionPut {
		price = discK*normCDF(-d2) - discS*normCDF(-d1)
	} else {
		price = discS*normCDF(d1) - discK*normCDF(d2)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return Intrinsic(p)
	}
	return price
}

// Greeks holds the first-order sensitivities. Theta is per year; Vega is
// per unit volatility (not per percentage point).
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// Compute returns delta, gamma, theta and vega at the given volatility.
// At T = 0 the option has no time value: theta and vega are zero, delta
// is the exercise indicator, gamma is zero.
func Compute(p Params, sigma float64) Greeks {
	if p.TimeToExpiry <= 0 || sigma <= 0 || p.Spot <= 0 || p.Strike <= 0 {
		var delta float64
		if p.Type == types.OptionPut {
			if p.Spot < p.Strike {
				delta = -1
			}
		} else {
			if p.Spot > p.Strike {
				delta = 1
			}
		}
		return Greeks{Delta: delta}
	}

	d1, d2 := d1d2(p, sigma)
	sqrtT := math.Sqrt(p.TimeToExpiry)
	eqT := math.Exp(-p.Dividend * p.TimeToExpiry)
	erT := math.Exp(-p.Rate * p.TimeToExpiry)

	g := Greeks{
		Gamma: eqT * normPDF(d1) / (p.Spot * sigma * sqrtT),
		Vega:  p.Spot * eqT * normPDF(d1) * sqrtT,
	}

	timeDecay := -p.Spot * eqT * normPDF(d1) * sigma / (2 * sqrtT)
	if p.Type == types.OptionPut {
		g.Delta = eqT * (normCDF(d1) - 1)
		g.Theta = timeDecay + p.Rate*p.Strike*erT*normCDF(-d2) - p.Dividend*p.Spot*eqT*normCDF(-d1)
	} else {
		g.Delta = eqT * normCDF(d1)
		g.Theta = timeDecay - p.Rate*p.Strike*erT*normCDF(d2) + p.Dividend*p.Spot*eqT*normCDF(d1)
	}
	return g
}

// ImpliedVol finds the volatility that reproduces marketPrice using
// Brent's method on [SigmaMin, SigmaMax]. Iterations are hard-capped.
//
// Failure policy: a price below the value at SigmaMin (at or under
// intrinsic) returns ErrNoBracket with iv 0; a price above the value at
// SigmaMax returns SigmaMax with ErrNoBracket. Callers treat iv 0 as
// "unknown" and flag the snapshot.
func ImpliedVol(marketPrice float64, p Params) (float64, error) {
	if p.TimeToExpiry <= 0 {
		return 0, fmt.Errorf("implied vol undefined at expiry: %w", ErrNoBracket)
	}
	if marketPrice <= 0 || math.IsNaN(marketPrice) || math.IsInf(marketPrice, 0) {
		return 0, fmt.Errorf("invalid market price %v: %w", marketPrice, ErrNoBracket)
	}

	f := func(sigma float64) float64 { return Price(p, sigma) - marketPrice }

	fLo, fHi := f(SigmaMin), f(SigmaMax)
	if fLo > 0 {
		// Even near-zero vol prices above market: price at/below intrinsic.
		return 0, ErrNoBracket
	}
	if fHi < 0 {
		return SigmaMax, ErrNoBracket
	}
	return brent(f, SigmaMin, SigmaMax)
}

// brent is the standard Brent root finder: bisection safety net around
// inverse-quadratic interpolation and secant steps. a and b must bracket
// the root.
func brent(f func(float64) float64, a, b float64) (float64, error) {
	fa, fb := f(a), f(b)
	if fa*fb > 0 {
		return 0, ErrNoBracket
	}
	if math.Abs(fa) < math.Abs(fb) {
		a, b = b, a
		fa, fb = fb, fa
	}

	c, fc := a, fa
	d := b - a
	mflag := true

	for i := 0; i < brentMaxIterations; i++ {
		if fb == 0 || math.Abs(b-a) < brentTolerance {
			return b, nil
		}

		var s float64
		if fa != fc && fb != fc {
			// Inverse quadratic interpolation.
			s = a*fb*fc/((fa-fb)*(fa-fc)) +
				b*fa*fc/((fb-fa)*(fb-fc)) +
				c*fa*fb/((fc-fa)*(fc-fb))
		} else {
			// Secant.
			s = b - fb*(b-a)/(fb-fa)
		}

		lo, hi := (3*a+b)/4, b
		if lo > hi {
			lo, hi = hi, lo
		}
		useBisect := s < lo || s > hi
		if !useBisect {
			if mflag {
				useBisect = math.Abs(s-b) >= math.Abs(b-c)/2 || math.Abs(b-c) < brentTolerance
			} else {
				useBisect = math.Abs(s-b) >= math.Abs(c-d)/2 || math.Abs(c-d) < brentTolerance
			}
		}
		if useBisect {
			s = (a + b) / 2
			mflag = true
		} else {
			mflag = false
		}

		fs := f(s)
		d = c
		c, fc = b, fb

		if fa*fs < 0 {
			b, fb = s, fs
		} else {
			a, fa = s, fs
		}
		if math.Abs(fa) < math.Abs(fb) {
			a, b = b, a
			fa, fb = fb, fa
		}
	}
	return b, nil
}
