package realtime

import (
	"sync"
)

// Registry maps channels to the sessions subscribed to them. Order channels
// exist only while they have members; the admin channel always exists.
//
// Every mutation holds the write lock, so a concurrent MembersOf sees either
// the membership before or after a change, never a partial set.
type Registry struct {
	mu       sync.RWMutex
	channels map[ChannelID]map[*Session]struct{}
	joined   map[*Session]map[ChannelID]struct{}
	metrics  *Metrics
}

func NewRegistry(m *Metrics) *Registry {
	r := &Registry{
		channels: make(map[ChannelID]map[*Session]struct{}),
		joined:   make(map[*Session]map[ChannelID]struct{}),
		metrics:  m,
	}
	r.channels[AdminChannel] = make(map[*Session]struct{})
	r.metrics.setChannels(1)
	return r
}

// Subscribe adds s to ch. Subscribing twice is a no-op. A closed session is
// refused with ErrSessionClosed so that nothing can rejoin after teardown.
func (r *Registry) Subscribe(ch ChannelID, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	members, ok := r.channels[ch]
	if !ok {
		members = make(map[*Session]struct{})
		r.channels[ch] = members
	}
	members[s] = struct{}{}

	chans, ok := r.joined[s]
	if !ok {
		chans = make(map[ChannelID]struct{})
		r.joined[s] = chans
	}
	chans[ch] = struct{}{}
	r.metrics.setChannels(len(r.channels))
	return nil
}

// Unsubscribe removes s from ch. Unknown channels and non-members are ignored.
func (r *Registry) Unsubscribe(ch ChannelID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(ch, s)
	if chans, ok := r.joined[s]; ok {
		delete(chans, ch)
		if len(chans) == 0 {
			delete(r.joined, s)
		}
	}
	r.metrics.setChannels(len(r.channels))
}

// UnsubscribeAll removes s from every channel it joined, the admin channel
// included, and reports how many channels it left.
func (r *Registry) UnsubscribeAll(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.joined[s]
	for ch := range chans {
		r.remove(ch, s)
	}
	delete(r.joined, s)
	r.metrics.setChannels(len(r.channels))
	return len(chans)
}

// remove drops s from ch and garbage-collects empty order channels.
// Caller holds mu.
func (r *Registry) remove(ch ChannelID, s *Session) {
	members, ok := r.channels[ch]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 && ch != AdminChannel {
		delete(r.channels, ch)
	}
}

// MembersOf returns a snapshot of the sessions subscribed to ch. An unknown
// channel yields an empty result.
func (r *Registry) MembersOf(ch ChannelID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[ch]
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// IsMember reports whether s is currently subscribed to ch.
func (r *Registry) IsMember(ch ChannelID, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[ch][s]
	return ok
}

// ChannelsOf returns the channels s is subscribed to.
func (r *Registry) ChannelsOf(s *Session) []ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ChannelID, 0, len(r.joined[s]))
	for ch := range r.joined[s] {
		out = append(out, ch)
	}
	return out
}

func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// SessionCount is the number of sessions holding at least one subscription.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}
