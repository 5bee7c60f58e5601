package quota

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator sizes a reservation request from message content ahead of the
// opaque LLM call. It wraps a single cached tiktoken-go encoding, built
// lazily and reused, since constructing an encoding is the expensive
// part of a tiktoken-go call.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewEstimator returns an Estimator using the cl100k_base encoding, the
// one shared by the GPT-4-class chat models this runtime targets.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() (*tiktoken.Tiktoken, error) {
	e.once.Do(func() {
		e.enc, e.err = tiktoken.GetEncoding("cl100k_base")
	})
	return e.enc, e.err
}

// Count returns the token count of s, or a whitespace-split fallback
// estimate if the encoding could not be loaded (e.g. offline without the
// bundled BPE ranks) — the estimator must never block quota reservation.
func (e *Estimator) Count(s string) int64 {
	enc, err := e.encoding()
	if err != nil || enc == nil {
		return int64(whitespaceTokenEstimate(s))
	}
	return int64(len(enc.Encode(s, nil, nil)))
}

// whitespaceTokenEstimate is the degrade-gracefully fallback when the
// tiktoken-go encoding cannot be loaded.
func whitespaceTokenEstimate(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// CountAll sums Count over a batch of strings, e.g. a rendered message
// history ahead of an experiment run's per-run budget reservation.
func (e *Estimator) CountAll(messages []string) int64 {
	var total int64
	for _, m := range messages {
		total += e.Count(m)
	}
	return total
}
