package status

import "sync"

// FakePublisher records published snapshots for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Snapshots contains every published snapshot.
	Snapshots []Snapshot

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the snapshot.
func (f *FakePublisher) Publish(s Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Snapshots = append(f.Snapshots, s)
	return nil
}

// Last returns the most recent snapshot.
func (f *FakePublisher) Last() (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Snapshots) == 0 {
		return Snapshot{}, false
	}
	return f.Snapshots[len(f.Snapshots)-1], true
}

// Count returns the number of published snapshots.
func (f *FakePublisher) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Snapshots)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// NopPublisher discards snapshots; used when MQTT is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Snapshot) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
