package api

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one outbound agent message waiting for pickup.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// outbox buffers agent output per channel until a client fetches it.
// Each channel keeps at most capacity messages; when full, the oldest
// is dropped.
type outbox struct {
	mu       sync.Mutex
	capacity int
	channels map[string][]Message
}

func newOutbox(capacity int) *outbox {
	return &outbox{
		capacity: capacity,
		channels: make(map[string][]Message),
	}
}

// append queues one message for the channel and returns it.
func (o *outbox) append(channelID, content, createdAt string) Message {
	msg := Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Content:   content,
		CreatedAt: createdAt,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.channels[channelID]
	if len(queue) >= o.capacity {
		queue = queue[1:]
	}
	o.channels[channelID] = append(queue, msg)
	return msg
}

// drain removes and returns up to limit messages for the channel,
// oldest first. limit <= 0 drains everything.
func (o *outbox) drain(channelID string, limit int) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.channels[channelID]
	if len(queue) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(queue) {
		limit = len(queue)
	}

	out := make([]Message, limit)
	copy(out, queue[:limit])

	rest := queue[limit:]
	if len(rest) == 0 {
		delete(o.channels, channelID)
	} else {
		o.channels[channelID] = append([]Message(nil), rest...)
	}
	return out
}

// depth reports how many messages wait on the channel.
func (o *outbox) depth(channelID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.channels[channelID])
}
