package core

// Frame is a raw encoded message for one push subscriber.
type Frame []byte

// SignalConnection abstracts a push transport endpoint on the relay side.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
