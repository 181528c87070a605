package player

import "context"

// Event kinds emitted by a Transport.
const (
	EventLoaded       = "LOADED"
	EventProgress     = "PROGRESS"
	EventStateChanged = "STATE_CHANGED"
	EventCompleted    = "COMPLETED"
	EventError        = "ERROR"
)

// Status is a point-in-time snapshot of the playback engine.
type Status struct {
	IsLoaded       bool
	IsPlaying      bool
	IsBuffering    bool
	PositionMillis int64
	DurationMillis int64
}

// Event is one notification from the playback engine's event stream.
type Event struct {
	Kind           string
	IsPlaying      bool
	PositionMillis int64
	DurationMillis int64
	Err            error
}

// Transport is the black-box audio engine. The session issues commands and
// reacts to the event stream; it never inspects engine internals.
type Transport interface {
	Load(ctx context.Context, source string, startMillis int64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SeekTo(ctx context.Context, millis int64) error
	Status(ctx context.Context) (Status, error)
	Events() <-chan Event
}
