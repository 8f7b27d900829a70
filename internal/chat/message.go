package chat

import (
	"strconv"
	"sync"
	"time"

	"github.com/tourchat/chat-core/internal/docstore"
)

// Collection names.
const (
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

// Message document fields.
const (
	fieldConversationID = "conversationId"
	fieldSenderID       = "senderId"
	fieldSenderName     = "senderName"
	fieldReceiverID     = "receiverId"
	fieldReceiverName   = "receiverName"
	fieldText           = "text"
	fieldCreatedAt      = "createdAt"
	fieldStatus         = "status"
)

// Message is one text message of a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	ReceiverID     string
	ReceiverName   string
	Text           string
	CreatedAt      time.Time
	Status         Status
}

// Draft is a message about to be sent by the local user.
type Draft struct {
	SenderName   string
	ReceiverID   string
	ReceiverName string
	Text         string
}

func messageFromDoc(d docstore.Document) Message {
	return Message{
		ID:             d.ID,
		ConversationID: d.Fields[fieldConversationID],
		SenderID:       d.Fields[fieldSenderID],
		SenderName:     d.Fields[fieldSenderName],
		ReceiverID:     d.Fields[fieldReceiverID],
		ReceiverName:   d.Fields[fieldReceiverName],
		Text:           d.Fields[fieldText],
		CreatedAt:      time.UnixMilli(d.Int(fieldCreatedAt)),
		Status:         Status(d.Fields[fieldStatus]),
	}
}

func (m Message) fields() docstore.Fields {
	return docstore.Fields{
		fieldConversationID: m.ConversationID,
		fieldSenderID:       m.SenderID,
		fieldSenderName:     m.SenderName,
		fieldReceiverID:     m.ReceiverID,
		fieldReceiverName:   m.ReceiverName,
		fieldText:           m.Text,
		fieldCreatedAt:      strconv.FormatInt(m.CreatedAt.UnixMilli(), 10),
		fieldStatus:         string(m.Status),
	}
}

// Clock hands out strictly increasing millisecond timestamps for new
// messages. Channels stamping from the same Clock keep send order even
// within one millisecond.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewClock returns a Clock reading from now.
func NewClock(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// processClock is shared by every Channel of the process unless WithClock
// replaces it.
var processClock = NewClock(time.Now)

// Next returns the next timestamp.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return time.UnixMilli(ms)
}
