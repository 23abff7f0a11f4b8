package sequencer

import (
	"context"
	"errors"
	"fmt"
)

var ErrBlockUnavailable = errors.New("block not available from peers")

type BlockFetcher interface {
	FetchBlock(ctx context.Context, height uint64) (Block, bool, error)
}

// Follow applies a gossiped block, first fetching and applying any blocks
// between the local head and b. Blocks at or below the head are ignored.
func (s *Sequencer) Follow(ctx context.Context, b Block, fetch BlockFetcher) error {
	next := uint64(1)
	if head, ok := s.Head(); ok {
		next = head.Height + 1
	}
	if b.Height < next {
		return nil
	}
	for h := next; h < b.Height; h++ {
		missing, found, err := fetch.FetchBlock(ctx, h)
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", h, err)
		}
		if !found {
			return fmt.Errorf("fetch block %d: %w", h, ErrBlockUnavailable)
		}
		if err := s.Apply(missing); err != nil {
			return err
		}
	}
	return s.Apply(b)
}
