package compaction

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Sizer measures text in context units. Implementations must be
// deterministic: the same text always measures the same size.
type Sizer interface {
	Size(text string) int
}

// EstimateSizer is a cheap character-based approximation: roughly four
// characters per unit, with CJK characters weighted heavier.
type EstimateSizer struct{}

// NewEstimateSizer creates an EstimateSizer.
func NewEstimateSizer() *EstimateSizer {
	return &EstimateSizer{}
}

// Size implements Sizer.
func (s *EstimateSizer) Size(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			cjk++
		} else {
			other++
		}
	}
	units := float64(cjk)/1.5 + float64(other)/4.0
	if units < 1 {
		return 1
	}
	return int(units)
}

// TiktokenSizer measures context units with a real BPE encoding, so unit
// accounting lines up with what an LLM-backed adapter actually consumes.
// The encoding is loaded lazily on first use.
type TiktokenSizer struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
	fallback *EstimateSizer
}

// NewTiktokenSizer creates a sizer for the given encoding name
// (e.g. "cl100k_base", "o200k_base"). Empty defaults to cl100k_base.
func NewTiktokenSizer(encoding string) *TiktokenSizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenSizer{encoding: encoding, fallback: NewEstimateSizer()}
}

func (s *TiktokenSizer) init() {
	enc, err := tiktoken.GetEncoding(s.encoding)
	if err != nil {
		s.initErr = fmt.Errorf("load encoding %s: %w", s.encoding, err)
		return
	}
	s.enc = enc
}

// Size implements Sizer. Falls back to estimation when the encoding
// cannot be loaded (e.g. no network for the BPE download).
func (s *TiktokenSizer) Size(text string) int {
	if text == "" {
		return 0
	}
	s.once.Do(s.init)
	if s.initErr != nil {
		return s.fallback.Size(text)
	}
	return len(s.enc.Encode(text, nil, nil))
}
