package watchbus

import "context"

// WatchBus delivers published values to every registered watcher.
// Watchers receive a live stream: values published before Watch returns are
// never replayed.
type WatchBus[T any] interface {
	// Publish hands v to every current watcher. It never blocks on a slow
	// watcher.
	Publish(ctx context.Context, v T) error
	// Watch registers a watcher whose channel buffers up to capacity values.
	// The channel is closed once ctx is done, Unwatch is called or the bus
	// is closed.
	Watch(ctx context.Context, capacity int) (<-chan T, error)
	// Unwatch stops delivering to ch and closes it.
	Unwatch(ctx context.Context, ch <-chan T) error
}
