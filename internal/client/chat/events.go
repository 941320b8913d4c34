package chat

type EventKind int

const (
	ConversationsChanged EventKind = iota
	ThreadChanged
	ChannelDown
	ChannelUp
	Error
)

func (k EventKind) String() string {
	switch k {
	case ConversationsChanged:
		return "conversations_changed"
	case ThreadChanged:
		return "thread_changed"
	case ChannelDown:
		return "channel_down"
	case ChannelUp:
		return "channel_up"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a hint that state changed. Consumers read snapshots from the Aggregator and Thread.
type Event struct {
	Kind EventKind
	Err  error
}

// Notify receives change hints. It must not block.
type Notify func(Event)

func (n Notify) emit(e Event) {
	if n != nil {
		n(e)
	}
}
