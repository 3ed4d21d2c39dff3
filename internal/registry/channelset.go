package registry

import (
	"sort"
	"sync"
)

// ChannelSet is the in-memory working set of registered channels.
// The registration listener adds to it, the watchdog prunes and refills it
// and the processing listener reads it to filter messages.
type ChannelSet struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

// NewChannelSet creates a set holding channels.
func NewChannelSet(channels ...string) *ChannelSet {
	s := &ChannelSet{channels: make(map[string]struct{}, len(channels))}
	s.Add(channels...)
	return s
}

// Add inserts channels.
func (s *ChannelSet) Add(channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
}

// Remove deletes channels.
func (s *ChannelSet) Remove(channels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
}

// Contains reports whether channel is in the set.
func (s *ChannelSet) Contains(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

// Len returns the number of channels.
func (s *ChannelSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns the channels, sorted.
func (s *ChannelSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
