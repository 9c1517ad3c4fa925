package service

import "context"

// launchSlots bounds the number of container launches in flight.
// A nil *launchSlots is unbounded.
type launchSlots struct {
	tokens chan struct{}
}

func newLaunchSlots(size int) *launchSlots {
	if size <= 0 {
		return nil
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &launchSlots{tokens: tokens}
}

// Acquire blocks until a slot is available or ctx is canceled.
func (s *launchSlots) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.tokens:
		return nil
	}
}

// Release returns a slot.
func (s *launchSlots) Release() {
	if s == nil {
		return
	}
	select {
	case s.tokens <- struct{}{}:
	default:
	}
}
