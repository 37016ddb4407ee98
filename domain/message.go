package domain

import (
	"sort"
	"time"
)

type Message struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Body        string     `json:"body"`
	ReadAt      *time.Time `json:"read_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Partner returns the other party of the message from userID's point of view.
func (m Message) Partner(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// UnreadBy reports whether m is addressed to userID and has not been read.
func (m Message) UnreadBy(userID string) bool {
	return m.RecipientID == userID && m.ReadAt == nil
}

// Conversation summarises the latest exchange with one partner.
type Conversation struct {
	PartnerID string   `json:"partner_id"`
	Partner   *Profile `json:"partner"`
	Latest    Message  `json:"latest"`
	Unread    int      `json:"unread"`
}

// GroupConversations collapses msgs, newest first, into one conversation
// per partner ordered by the latest message.
func GroupConversations(userID string, msgs []Message) []Conversation {
	index := map[string]int{}
	var out []Conversation
	for _, m := range msgs {
		partner := m.Partner(userID)
		i, ok := index[partner]
		if !ok {
			i = len(out)
			index[partner] = i
			out = append(out, Conversation{PartnerID: partner, Latest: m})
		} else if m.CreatedAt.After(out[i].Latest.CreatedAt) {
			out[i].Latest = m
		}
		if m.UnreadBy(userID) {
			out[i].Unread++
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Latest.CreatedAt.After(out[b].Latest.CreatedAt)
	})
	return out
}

// UnreadCount counts the messages in msgs addressed to userID and unread.
func UnreadCount(userID string, msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.UnreadBy(userID) {
			n++
		}
	}
	return n
}
