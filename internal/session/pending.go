package session

import (
	"sync"

	"github.com/standardbeagle/pqi/internal/protocol"
)

// pendingTable correlates replies with outstanding requests by sequence.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[uint64]chan protocol.Command
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[uint64]chan protocol.Command)}
}

func (p *pendingTable) add(seq uint64) (chan protocol.Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	ch := make(chan protocol.Command, 1)
	p.waiters[seq] = ch
	return ch, nil
}

// resolve delivers cmd to the waiter registered under its sequence.
func (p *pendingTable) resolve(cmd protocol.Command) bool {
	p.mu.Lock()
	ch, ok := p.waiters[cmd.Sequence]
	if ok {
		delete(p.waiters, cmd.Sequence)
	}
	p.mu.Unlock()
	if ok {
		ch <- cmd
	}
	return ok
}

func (p *pendingTable) remove(seq uint64) {
	p.mu.Lock()
	delete(p.waiters, seq)
	p.mu.Unlock()
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// failAll wakes every waiter with a closed channel and rejects new ones.
func (p *pendingTable) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for seq, ch := range p.waiters {
		close(ch)
		delete(p.waiters, seq)
	}
}
