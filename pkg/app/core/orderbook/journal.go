package orderbook

// journalEntry undoes one in-memory change to the book.
type journalEntry interface {
	revert(b *Book)
}

type orderCreation struct{ id uint64 }

func (e orderCreation) revert(b *Book) {
	delete(b.orders, e.id)
	b.nextID = e.id
}

type orderUpdate struct{ prev Order }

func (e orderUpdate) revert(b *Book) {
	prev := e.prev
	b.orders[prev.ID] = &prev
}

type eventEmission struct{}

func (eventEmission) revert(b *Book) {
	b.pending = b.pending[:len(b.pending)-1]
	b.eventSeq--
}

func (b *Book) revert(snapshot int) {
	for i := len(b.journal) - 1; i >= snapshot; i-- {
		b.journal[i].revert(b)
	}
	b.journal = b.journal[:snapshot]
}
