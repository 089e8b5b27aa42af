package greeks

import (
	"math"
	"testing"

	"options-gateway/pkg/types"
)

func atm(optType types.OptionType) Params {
	return Params{
		Spot:         24000,
		Strike:       24000,
		TimeToExpiry: 30.0 / 365,
		Rate:         0.10,
		Dividend:     0,
		Type:         optType,
	}
}

func TestPutCallParity(t *testing.T) {
	t.Parallel()
	const sigma = 0.15
	call := Price(atm(types.OptionCall), sigma)
	put := Price(atm(types.OptionPut), sigma)

	p := atm(types.OptionCall)
	forward := p.Spot*math.Exp(-p.Dividend*p.TimeToExpiry) - p.Strike*math.Exp(-p.Rate*p.TimeToExpiry)
	if diff := math.Abs(call-put-forward) / p.Strike; diff > 0.01 {
		t.Errorf("parity violation: |C-P-(S-Ke^-rT)|/K = %v, want <= 0.01", diff)
	}
}

func TestGreekBounds(t *testing.T) {
	t.Parallel()
	const sigma = 0.20

	gc := Compute(atm(types.OptionCall), sigma)
	gp := Compute(atm(types.OptionPut), sigma)

	if gc.Delta < 0 || gc.Delta > 1 {
		t.Errorf("call delta = %v, want in [0,1]", gc.Delta)
	}
	if gp.Delta < -1 || gp.Delta > 0 {
		t.Errorf("put delta = %v, want in [-1,0]", gp.Delta)
	}
	if gc.Gamma < 0 {
		t.Errorf("gamma = %v, want >= 0", gc.Gamma)
	}
	if gc.Vega < 0 {
		t.Errorf("vega = %v, want >= 0", gc.Vega)
	}
	if gc.Theta > 0 {
		t.Errorf("ATM call theta = %v, want <= 0", gc.Theta)
	}
	if gp.Theta > 0 {
		t.Errorf("ATM put theta = %v, want <= 0", gp.Theta)
	}
}

func TestGammaAndVegaMatchAcrossTypes(t *testing.T) {
	t.Parallel()
	const sigma = 0.25

	gc := Compute(atm(types.OptionCall), sigma)
	gp := Compute(atm(types.OptionPut), sigma)

	if math.Abs(gc.Gamma-gp.Gamma) > 1e-12 {
		t.Errorf("gamma differs: call %v put %v", gc.Gamma, gp.Gamma)
	}
	if math.Abs(gc.Vega-gp.Vega) > 1e-9 {
		t.Errorf("vega differs: call %v put %v", gc.Vega, gp.Vega)
	}
}

func TestThetaParityRelation(t *testing.T) {
	t.Parallel()
	const sigma = 0.18
	p := atm(types.OptionCall)
	p.Dividend = 0.01

	pc := p
	pp := p
	pp.Type = types.OptionPut

	gc := Compute(pc, sigma)
	gp := Compute(pp, sigma)

	// theta_put = theta_call + r*K*e^{-rT} - q*S*e^{-qT}
	want := gc.Theta +
		p.Rate*p.Strike*math.Exp(-p.Rate*p.TimeToExpiry) -
		p.Dividend*p.Spot*math.Exp(-p.Dividend*p.TimeToExpiry)
	if math.Abs(gp.Theta-want) > 1e-6 {
		t.Errorf("theta relation: put %v, want %v", gp.Theta, want)
	}
}

func TestExpiryBoundary(t *testing.T) {
	t.Parallel()
	p := Params{Spot: 24500, Strike: 24000, TimeToExpiry: 0, Rate: 0.10, Type: types.OptionCall}

	if got := Price(p, 0.2); got != 500 {
		t.Errorf("price at T=0 = %v, want intrinsic 500", got)
	}
	g := Compute(p, 0.2)
	if g.Theta != 0 || g.Vega != 0 {
		t.Errorf("theta/vega at T=0 = %v/%v, want 0/0", g.Theta, g.Vega)
	}
	if g.Delta != 1 {
		t.Errorf("ITM call delta at T=0 = %v, want 1", g.Delta)
	}
}

func TestDeepITMCallLimits(t *testing.T) {
	t.Parallel()
	p := atm(types.OptionCall)
	p.Spot = 1e7 // spot far above strike

	g := Compute(p, 0.2)
	if g.Delta < 0.999 {
		t.Errorf("deep ITM delta = %v, want -> 1", g.Delta)
	}
	if g.Gamma > 1e-9 {
		t.Errorf("deep ITM gamma = %v, want -> 0", g.Gamma)
	}
}

func TestPriceNeverNaN(t *testing.T) {
	t.Parallel()
	cases := []Params{
		{Spot: 0, Strike: 24000, TimeToExpiry: 0.1, Type: types.OptionCall},
		{Spot: 24000, Strike: 0, TimeToExpiry: 0.1, Type: types.OptionCall},
		{Spot: 24000, Strike: 24000, TimeToExpiry: -1, Type: types.OptionPut},
	}
	for _, p := range cases {
		if got := Price(p, 0.2); math.IsNaN(got) || math.IsInf(got, 0) {
			t.Errorf("Price(%+v) = %v, want finite", p, got)
		}
	}
}

func TestImpliedVolRoundTrip(t *testing.T) {
	t.Parallel()
	sigmas := []float64{0.05, 0.10, 0.25, 0.50, 1.0}
	horizons := []float64{1.0 / 365, 7.0 / 365, 30.0 / 365, 1.0}

	for _, sigma := range sigmas {
		for _, T := range horizons {
			for _, optType := range []types.OptionType{types.OptionCall, types.OptionPut} {
				p := atm(optType)
				p.TimeToExpiry = T
				price := Price(p, sigma)
				iv, err := ImpliedVol(price, p)
				if err != nil {
					t.Fatalf("ImpliedVol(sigma=%v T=%v %s): %v", sigma, T, optType, err)
				}
				if math.Abs(iv-sigma) > 1e-3 {
					t.Errorf("round trip sigma=%v T=%v %s: got %v", sigma, T, optType, iv)
				}
			}
		}
	}
}

func TestImpliedVolBelowIntrinsic(t *testing.T) {
	t.Parallel()
	p := Params{Spot: 25000, Strike: 24000, TimeToExpiry: 30.0 / 365, Rate: 0.10, Type: types.OptionCall}

	// Intrinsic is 1000; a price of 100 is unattainable.
	iv, err := ImpliedVol(100, p)
	if err == nil {
		t.Fatal("expected ErrNoBracket for price below intrinsic")
	}
	if iv != 0 {
		t.Errorf("iv = %v, want 0 sentinel", iv)
	}
}

func TestImpliedVolAboveRangeReturnsBoundary(t *testing.T) {
	t.Parallel()
	p := atm(types.OptionCall)

	max := Price(p, SigmaMax)
	iv, err := ImpliedVol(max*1.5, p)
	if err == nil {
		t.Fatal("expected ErrNoBracket above attainable range")
	}
	if iv != SigmaMax {
		t.Errorf("iv = %v, want boundary %v", iv, SigmaMax)
	}
}

func TestImpliedVolTerminates(t *testing.T) {
	t.Parallel()
	// Near-degenerate input must still return within the iteration cap.
	p := Params{Spot: 24000, Strike: 48000, TimeToExpiry: 1.0 / 365, Rate: 0.10, Type: types.OptionCall}
	_, _ = ImpliedVol(0.05, p)
}
