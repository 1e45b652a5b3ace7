package tokencount

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter is the real BPE-based Counter implementation
// (SPEC_FULL.md §4.5 expansion), for hosts that want exact counts
// instead of the char heuristic. IsEstimate is always false.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter builds a counter using the named encoding (e.g.
// "cl100k_base"). Most current model families tokenize closely enough
// to this encoding for estimation purposes; callers targeting a
// specific provider's exact tokenizer may need a different encoding
// name.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// CountTokens implements Counter using the real BPE tokenizer.
func (c *TiktokenCounter) CountTokens(ctx context.Context, req Request) (Result, error) {
	total := 0
	if req.System != "" {
		total += len(c.enc.Encode(req.System, nil, nil))
	}
	for _, m := range req.Messages {
		total += perMessageOverhead
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockImage:
				total += imageTokens
			default:
				total += len(c.enc.Encode(b.Text, nil, nil))
			}
		}
	}
	total += len(req.Tools) * toolSchemaTokens
	return Result{InputTokens: total, IsEstimate: false}, nil
}
