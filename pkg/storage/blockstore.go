package storage

import (
	"sync"

	"github.com/uhyunpark/lazybook/pkg/sequencer"
)

type InMemoryBlockStore struct {
	mu     sync.Mutex
	blocks map[uint64]sequencer.Block
	head   uint64
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{blocks: make(map[uint64]sequencer.Block)}
}

func (s *InMemoryBlockStore) SaveBlock(b sequencer.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Height] = b
	s.head = b.Height
	return nil
}

func (s *InMemoryBlockStore) GetBlock(height uint64) (sequencer.Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	return b, ok, nil
}

func (s *InMemoryBlockStore) Head() (sequencer.Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[s.head]
	return b, ok, nil
}

var _ sequencer.BlockStore = (*InMemoryBlockStore)(nil)
