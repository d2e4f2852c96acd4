package pika

import (
	"sort"
	"sync"
)

// Conversation is the ordered, deduplicated view of messages for the
// current peer. The sync engine is the only writer; the presentation
// layer reads snapshots or subscribes to change notifications. The
// mutators are unexported to keep that exclusivity a compile-time fact.
//
// Messages are kept in (createdAt, id) order with set semantics on the
// id. The seen set is the dedup identity set: an id already present
// makes any later delivery of the same message a no-op, whichever
// channel it arrives on.
type Conversation struct {
	mu      sync.RWMutex
	msgs    []Message
	seen    map[int64]struct{}
	subs    map[int]chan []Message
	nextSub int
}

// NewConversation creates an empty conversation view.
func NewConversation() *Conversation {
	return &Conversation{
		seen: make(map[int64]struct{}),
		subs: make(map[int]chan []Message),
	}
}

// insert adds one message at its correct position. Returns false when
// the id is already present (duplicate delivery). Callers notify
// subscribers themselves so a batch causes a single notification.
func (c *Conversation) insert(msg Message) bool {
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}

	// Position by (createdAt, id). Out-of-order delivery across the
	// fetch and push channels means this is not always an append.
	i := sort.Search(len(c.msgs), func(i int) bool {
		return msg.less(c.msgs[i])
	})

	c.msgs = append(c.msgs, Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = msg
	c.seen[msg.ID] = struct{}{}

	return true
}

// merge inserts a batch of messages under one lock and notifies
// subscribers once if anything changed. Returns the number of messages
// actually added. Feeding the same messages twice is a no-op, so the
// history seed and the live push path converge regardless of their
// interleaving.
func (c *Conversation) merge(msgs []Message) int {
	c.mu.Lock()

	added := 0
	for _, m := range msgs {
		if c.insert(m) {
			added++
		}
	}

	var snapshot []Message
	if added > 0 {
		snapshot = c.snapshotLocked()
	}
	c.mu.Unlock()

	if added > 0 {
		c.notify(snapshot)
	}

	return added
}

// snapshotLocked copies the ordered sequence. Callers hold c.mu.
func (c *Conversation) snapshotLocked() []Message {
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)

	return out
}

// Snapshot returns a copy of the current ordered message sequence.
func (c *Conversation) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.snapshotLocked()
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.msgs)
}

// Contains reports whether a message id is already in the view.
func (c *Conversation) Contains(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.seen[id]

	return ok
}

// Subscribe registers for change notifications. Each notification
// carries the full updated snapshot; consumers must not assume
// append-only growth since reconciliation can insert into the middle.
// The channel holds one pending snapshot: when the consumer lags, a
// newer snapshot replaces the stale one rather than blocking the
// writer. The returned cancel func unregisters the subscription.
func (c *Conversation) Subscribe() (<-chan []Message, func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan []Message, 1)
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}

	return ch, cancel
}

// notify delivers a snapshot to every subscriber without blocking.
func (c *Conversation) notify(snapshot []Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.subs {
		select {
		case ch <- snapshot:
		default:
			// Drop the stale pending snapshot and replace it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
