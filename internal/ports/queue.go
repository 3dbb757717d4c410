package ports

// Queue is a bounded FIFO used between producers and the push loop.
type Queue[T any] interface {
	Enqueue(item T) bool
	DequeueBatch(max int) []T
	Len() int
}
