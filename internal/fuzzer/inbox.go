package fuzzer

// Inbox is an optional message channel for integration modules. The scan
// drains it opportunistically between prompts and re-yields each message as
// a status record.
type Inbox struct {
	ch chan string
}

func NewInbox(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 64
	}
	return &Inbox{ch: make(chan string, capacity)}
}

// Post enqueues a message without blocking. It reports false when the inbox
// is full and the message was dropped.
func (i *Inbox) Post(message string) bool {
	select {
	case i.ch <- message:
		return true
	default:
		return false
	}
}

// Drain returns every currently queued message without blocking.
func (i *Inbox) Drain() []string {
	var out []string
	for {
		select {
		case message := <-i.ch:
			out = append(out, message)
		default:
			return out
		}
	}
}
