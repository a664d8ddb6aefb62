package conversation

import "time"

// State is the life-cycle state of a transaction.
type State uint8

const (
	StatePending State = iota
	StateMatched
)

func (s State) String() string {
	if s == StateMatched {
		return "matched"
	}
	return "pending"
}

// Transaction is one request/response exchange inside a conversation. The
// table hands out copies taken under its lock, so a Transaction never changes
// after it is returned.
type Transaction struct {
	Conversation  *Conversation
	Key           any
	RequestFrame  uint32
	ResponseFrame uint32
	RequestTime   time.Time
	ResponseTime  time.Time
	State         State
}

// RTT is the time from request to response, zero while pending.
func (tx Transaction) RTT() time.Duration {
	if tx.State != StateMatched {
		return 0
	}
	return tx.ResponseTime.Sub(tx.RequestTime)
}

// pendingKey indexes requests that still await a reply. corr is any comparable
// value; distinct key types never collide, which namespaces protocols.
type pendingKey struct {
	conv int
	corr any
}

// matchedKey resolves a frame of a known transaction, request or response, on revisit.
type matchedKey struct {
	conv  int
	corr  any
	frame uint32
}

// Start records a request seen in frame. On the first pass it creates a pending
// transaction, replacing any earlier pending one with the same key. On a revisit
// it returns the transaction created when frame was first seen, as it stands now.
func (t *Table) Start(c *Conversation, corr any, frame uint32, ts time.Time, visited bool) (Transaction, bool) {
	if c == nil {
		return Transaction{}, false
	}
	mk := matchedKey{conv: c.Index, corr: corr, frame: frame}
	if visited {
		t.mu.RLock()
		defer t.mu.RUnlock()
		tx, ok := t.matched[mk]
		if !ok {
			return Transaction{}, false
		}
		return *tx, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tx, ok := t.matched[mk]; ok {
		return *tx, true
	}
	tx := &Transaction{
		Conversation: c,
		Key:          corr,
		RequestFrame: frame,
		RequestTime:  ts,
	}
	t.pending[pendingKey{conv: c.Index, corr: corr}] = tx
	t.matched[mk] = tx
	t.txs = append(t.txs, tx)
	return *tx, true
}

// End records a reply seen in frame. On the first pass the pending transaction
// for corr is matched and indexed under the reply frame; a reply with no pending
// request, or a second reply, yields no match. On a revisit it only looks the
// frame up.
func (t *Table) End(c *Conversation, corr any, frame uint32, ts time.Time, visited bool) (Transaction, bool) {
	if c == nil {
		return Transaction{}, false
	}
	mk := matchedKey{conv: c.Index, corr: corr, frame: frame}
	if visited {
		t.mu.RLock()
		defer t.mu.RUnlock()
		tx, ok := t.matched[mk]
		if !ok || tx.ResponseFrame != frame {
			return Transaction{}, false
		}
		return *tx, true
	}

	t.mu.Lock()
	pk := pendingKey{conv: c.Index, corr: corr}
	tx, ok := t.pending[pk]
	if !ok || tx.State == StateMatched {
		t.mu.Unlock()
		return Transaction{}, false
	}
	delete(t.pending, pk)
	tx.ResponseFrame = frame
	tx.ResponseTime = ts
	tx.State = StateMatched
	t.matched[mk] = tx
	snap := *tx
	t.mu.Unlock()

	if t.hooks.Matched != nil {
		t.hooks.Matched(snap)
	}
	return snap, true
}

// Transactions returns a copy of every transaction in creation order.
func (t *Table) Transactions() []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transaction, len(t.txs))
	for i, tx := range t.txs {
		out[i] = *tx
	}
	return out
}
