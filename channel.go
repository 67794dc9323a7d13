package mailpeek

// EventKind tells the events of Channel apart.
type EventKind int

const (
	EventMail EventKind = iota
	EventDisconnect
)

func (k EventKind) String() string {
	if k == EventDisconnect {
		return "disconnect"
	}
	return "mail"
}

// Event is one listener callback delivered over a channel.
type Event struct {
	Kind    EventKind
	Message *Message
	Err     error
}

// Channel returns a Handler that forwards listener callbacks to a channel
// with the given buffer. The channel is closed after the disconnect event
// or when the listener is stopped, so it serves one Start. The receiver
// must keep draining it: a full channel blocks the listener.
func Channel(buffer int) (Handler, <-chan Event) {
	ch := make(chan Event, buffer)
	h := Handler{
		OnMail: func(m *Message) {
			ch <- Event{Kind: EventMail, Message: m}
		},
		OnDisconnect: func(err error) {
			ch <- Event{Kind: EventDisconnect, Err: err}
			close(ch)
		},
		OnStop: func() {
			close(ch)
		},
	}
	return h, ch
}
