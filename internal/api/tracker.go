package api

import "sync"

// modelPricing is approximate USD cost per million tokens, used for the
// run report estimate only.
type modelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var defaultPricing = modelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// TokenTracker accumulates token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}

// Cost estimates the spend in USD at Sonnet-class pricing. Update the
// table as pricing changes.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	inputCost := float64(t.inputTok) / 1_000_000 * defaultPricing.InputPerMillion
	outputCost := float64(t.outputTok) / 1_000_000 * defaultPricing.OutputPerMillion
	return inputCost + outputCost
}
