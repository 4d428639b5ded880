package core

// Frame is one encoded change-feed message.
type Frame []byte

// ConnID identifies one change-feed connection on the directory server.
type ConnID string

// FeedConnection abstracts the messaging transport of one watcher.
// Owned by the adapter; the adapter must Close() it.
type FeedConnection interface {
	// TrySend never blocks; it fails when the connection buffer is full or closed.
	TrySend(Frame) error
	Close()
}
