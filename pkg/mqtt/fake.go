package mqtt

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	// Statuses contains all status messages that were published.
	Statuses []StatusMessage

	// Commands contains all command messages that were published.
	Commands []CommandMessage

	// PublishError, if set, will be returned by both publish methods.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishStatus records the status message.
func (f *FakePublisher) PublishStatus(msg StatusMessage) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Statuses = append(f.Statuses, msg)
	return nil
}

// PublishCommand records the command message.
func (f *FakePublisher) PublishCommand(msg CommandMessage) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Commands = append(f.Commands, msg)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}
