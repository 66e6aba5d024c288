package activitypub

import (
	"sync"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
)

const feedBuffer = 32

// InboxFeed fans newly stored inbox items out to in-process subscribers.
// Slow subscribers miss items rather than block the inbox; they can catch
// up through ReadInboxItemsAfter using the last Seq they saw.
type InboxFeed struct {
	mu   sync.Mutex
	next int
	subs map[uuid.UUID]map[int]chan domain.InboxItem
}

func NewInboxFeed() *InboxFeed {
	return &InboxFeed{subs: make(map[uuid.UUID]map[int]chan domain.InboxItem)}
}

// Subscribe returns a channel of items for identityId and a cancel func
// that closes it.
func (f *InboxFeed) Subscribe(identityId uuid.UUID) (<-chan domain.InboxItem, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan domain.InboxItem, feedBuffer)
	if f.subs[identityId] == nil {
		f.subs[identityId] = make(map[int]chan domain.InboxItem)
	}
	f.subs[identityId][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[identityId], id)
			if len(f.subs[identityId]) == 0 {
				delete(f.subs, identityId)
			}
			close(ch)
		})
	}
}

// Publish delivers item to every subscriber of its identity without
// blocking. It returns how many subscribers received it.
func (f *InboxFeed) Publish(item domain.InboxItem) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := 0
	for _, ch := range f.subs[item.IdentityId] {
		select {
		case ch <- item:
			sent++
		default:
		}
	}
	return sent
}
