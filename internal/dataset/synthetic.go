package dataset

import (
	"math/rand"
	"strings"
	"sync"
)

// Corpus words for synthesized prompts. The exact text is irrelevant
// to the server-side tokenizer beyond its approximate length.
var corpus = strings.Fields(
	"the quick brown fox jumps over a lazy dog while seventeen green " +
		"turbines hum beside the harbor and every signal finds its way " +
		"through copper glass and patient silicon toward an answer",
)

// SyntheticOptions configure prompt synthesis.
type SyntheticOptions struct {
	// MeanWords is the average prompt length in words.
	MeanWords int
	// StdDevWords spreads prompt lengths; zero keeps them constant.
	StdDevWords float64
	// MaxTokens is the generation budget attached to each request.
	MaxTokens int
	Seed      int64
}

// Synthetic generates prompts of configurable length from a fixed
// word corpus, deterministically for a given seed.
type Synthetic struct {
	mu  sync.Mutex
	opt SyntheticOptions
	rnd *rand.Rand
}

func NewSynthetic(opt SyntheticOptions) *Synthetic {
	if opt.MeanWords <= 0 {
		opt.MeanWords = 32
	}
	if opt.MaxTokens <= 0 {
		opt.MaxTokens = 128
	}
	return &Synthetic{opt: opt, rnd: rand.New(rand.NewSource(opt.Seed))}
}

func (s *Synthetic) NextInputs(slot int) (Inputs, error) {
	s.mu.Lock()
	n := s.opt.MeanWords
	if s.opt.StdDevWords > 0 {
		n = int(s.rnd.NormFloat64()*s.opt.StdDevWords + float64(s.opt.MeanWords))
	}
	if n < 1 {
		n = 1
	}
	words := make([]string, n)
	for i := range words {
		words[i] = corpus[s.rnd.Intn(len(corpus))]
	}
	s.mu.Unlock()

	return Inputs{
		Prompt:    strings.Join(words, " "),
		MaxTokens: s.opt.MaxTokens,
	}, nil
}

func (s *Synthetic) Len() int { return 0 }

func (s *Synthetic) Close() error { return nil }
