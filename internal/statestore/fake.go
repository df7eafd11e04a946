package statestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Store for matchmaker/matchrun/sessionhub tests. It
// records each key's TTL expiry but never expires a key, and exposes no
// accessor for the recorded expiry.
type Fake struct {
	mu sync.Mutex

	entries map[string]Entry
	ttls    map[string]time.Time
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}

	subMu sync.Mutex
	subs  map[string][]chan Event
}

func NewFake() *Fake {
	return &Fake{
		entries: make(map[string]Entry),
		ttls:    make(map[string]time.Time),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		subs:    make(map[string][]chan Event),
	}
}

func (f *Fake) Get(ctx context.Context, key string) (Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (f *Fake) CASSet(ctx context.Context, key string, expectedVersion uint64, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.entries[key]
	if cur.Version != expectedVersion {
		return 0, ErrConflict
	}
	newVersion := expectedVersion + 1
	f.entries[key] = Entry{Value: value, Version: newVersion}
	return newVersion, nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	delete(f.ttls, key)
	return nil
}

func (f *Fake) Publish(ctx context.Context, topic string, payload []byte) error {
	f.subMu.Lock()
	chans := append([]chan Event{}, f.subs[topic]...)
	f.subMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- Event{Topic: topic, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// drop on full buffer; subscribers in tests drain promptly.
		}
	}
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)
	f.subMu.Lock()
	f.subs[topic] = append(f.subs[topic], ch)
	f.subMu.Unlock()

	cancel := func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		list := f.subs[topic]
		for i, c := range list {
			if c == ch {
				f.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (f *Fake) ZAdd(ctx context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	z, ok := f.zsets[key]
	if !ok {
		z = make(map[string]float64)
		f.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (f *Fake) ZRem(ctx context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zsets[key], member)
	return nil
}

func (f *Fake) ZPopMinIf(ctx context.Context, key string, pred Predicate) (ZMember, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	if len(z) == 0 {
		return ZMember{}, false, nil
	}

	members := make([]ZMember, 0, len(z))
	for m, s := range z {
		members = append(members, ZMember{Score: s, Member: m})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Score < members[j].Score })

	for _, m := range members {
		if pred(m.Member, m.Score) {
			delete(z, m.Member)
			return m, true, nil
		}
	}
	return ZMember{}, false, nil
}

func (f *Fake) ZRange(ctx context.Context, key string, offset, count int64) ([]ZMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	z := f.zsets[key]
	members := make([]ZMember, 0, len(z))
	for m, s := range z {
		members = append(members, ZMember{Score: s, Member: m})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Score < members[j].Score })

	if offset >= int64(len(members)) {
		return nil, nil
	}
	end := offset + count
	if end > int64(len(members)) {
		end = int64(len(members))
	}
	return members[offset:end], nil
}

func (f *Fake) SAdd(ctx context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (f *Fake) SRem(ctx context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = time.Now().Add(ttl)
	return nil
}
