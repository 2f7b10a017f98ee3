package ports

// Subscriber is a downstream consumer. TrySend must not block for longer than
// the transport's write bound; an error means the transport is gone.
type Subscriber interface {
	ID() string
	TrySend(payload []byte) error
	Done() <-chan struct{}
}
