package docstore

import "sync"

// FeedItem is either an ordered change or a subscription error.
type FeedItem struct {
	Change Change
	Err    error
}

// Feed serializes the callbacks of one subscription into a single ordered
// stream. Changes may arrive on any goroutine and in any order; Items yields
// them strictly by Change.Seq. Callbacks never block on the consumer.
type Feed struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]Change
	ready   []FeedItem

	signal    chan struct{}
	out       chan FeedItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewFeed creates a Feed and starts its delivery goroutine.
func NewFeed() *Feed {
	f := &Feed{
		next:    1,
		pending: make(map[uint64]Change),
		signal:  make(chan struct{}, 1),
		out:     make(chan FeedItem),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Handlers returns store callbacks that feed f.
func (f *Feed) Handlers() Handlers {
	return Handlers{OnChange: f.Push, OnError: f.Fail}
}

// Items returns the ordered stream. It is closed after Close.
func (f *Feed) Items() <-chan FeedItem {
	return f.out
}

// Push records a change. Changes older than the next expected sequence are
// dropped as duplicates.
func (f *Feed) Push(c Change) {
	f.mu.Lock()
	if c.Seq < f.next {
		f.mu.Unlock()
		return
	}
	f.pending[c.Seq] = c
	for {
		nc, ok := f.pending[f.next]
		if !ok {
			break
		}
		delete(f.pending, f.next)
		f.ready = append(f.ready, FeedItem{Change: nc})
		f.next++
	}
	f.mu.Unlock()
	f.wake()
}

// Fail queues err behind every change that is already in order.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	f.ready = append(f.ready, FeedItem{Err: err})
	f.mu.Unlock()
	f.wake()
}

// Close stops delivery and closes the Items channel. Safe to call repeatedly.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *Feed) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *Feed) run() {
	defer close(f.out)
	for {
		select {
		case <-f.done:
			return
		case <-f.signal:
		}

		for {
			f.mu.Lock()
			if len(f.ready) == 0 {
				f.mu.Unlock()
				break
			}
			item := f.ready[0]
			f.ready = f.ready[1:]
			f.mu.Unlock()

			select {
			case f.out <- item:
			case <-f.done:
				return
			}
		}
	}
}
