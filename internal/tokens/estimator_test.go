package tokens

import "testing"

func TestEstimateEmpty(t *testing.T) {
	e := NewEstimator()
	if got := e.Estimate("gpt-4o", ""); got != 0 {
		t.Errorf("empty text must estimate 0, got %d", got)
	}
}

func TestEstimateFallbackRatio(t *testing.T) {
	e := NewEstimator()
	// Unknown model falls back to the bytes/4 ceiling
	if got := e.Estimate("llama3.2", "abcdefgh"); got != 2 {
		t.Errorf("expected 2 tokens for 8 bytes, got %d", got)
	}
	if got := e.Estimate("llama3.2", "abcdefghi"); got != 3 {
		t.Errorf("expected ceiling of 9/4, got %d", got)
	}
}

func TestEstimateNonEmptyAtLeastOne(t *testing.T) {
	e := NewEstimator()
	if got := e.Estimate("llama3.2", "a"); got < 1 {
		t.Errorf("non-empty text must estimate at least 1 token, got %d", got)
	}
	if got := e.Estimate("gpt-4o", "a"); got < 1 {
		t.Errorf("non-empty text must estimate at least 1 token, got %d", got)
	}
}

func TestPricingEmptyByDefault(t *testing.T) {
	p := NewPricing()
	if cost := p.Estimate("gpt-4o", 1000, 1000); cost != nil {
		t.Errorf("empty table must yield nil cost, got %v", *cost)
	}
}

func TestPricingPrefixMatch(t *testing.T) {
	p := NewPricing()
	p.Set("gpt-4o", 2.50, 10.00)

	cost := p.Estimate("gpt-4o-2024-08-06", 1_000_000, 1_000_000)
	if cost == nil {
		t.Fatal("expected a cost for prefix-matched model")
	}
	if *cost != 12.50 {
		t.Errorf("expected 12.50, got %v", *cost)
	}
}
