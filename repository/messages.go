package repository

import (
	"context"
	"strings"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

// ConversationFilter matches messages exchanged between a and b.
func ConversationFilter(a, b string) gateway.Filter {
	return gateway.Filter{}.
		Or(gateway.Eq("sender_id", a), gateway.Eq("recipient_id", b)).
		Or(gateway.Eq("sender_id", b), gateway.Eq("recipient_id", a))
}

// InvolvingFilter matches messages sent or received by userID.
func InvolvingFilter(userID string) gateway.Filter {
	return gateway.Filter{}.Or(gateway.Eq("sender_id", userID)).Or(gateway.Eq("recipient_id", userID))
}

// MessagesForUser lists every message sent or received by userID, newest
// first.
func (r *Repository) MessagesForUser(ctx context.Context, userID string) ([]domain.Message, error) {
	rows, err := r.list(ctx, gateway.Messages, gateway.Query{
		Filter: InvolvingFilter(userID),
		Order:  []gateway.Order{gateway.Desc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Message](rows)
}

// Conversations groups the user's messages by partner, latest first, with
// partner profiles attached.
func (r *Repository) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	msgs, err := r.MessagesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	convs := domain.GroupConversations(userID, msgs)
	if err := r.AttachPartners(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// AttachPartners fills in the partner profile of each conversation with one
// profile lookup.
func (r *Repository) AttachPartners(ctx context.Context, convs []domain.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.PartnerID
	}
	profiles, err := r.profileIndex(ctx, ids)
	if err != nil {
		return err
	}
	for i := range convs {
		if p, ok := profiles[convs[i].PartnerID]; ok {
			convs[i].Partner = &p
		}
	}
	return nil
}

// Conversation returns the messages between a and b, oldest first.
func (r *Repository) Conversation(ctx context.Context, a, b string) ([]domain.Message, error) {
	rows, err := r.list(ctx, gateway.Messages, gateway.Query{
		Filter: ConversationFilter(a, b),
		Order:  []gateway.Order{gateway.Asc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Message](rows)
}

func (r *Repository) UnreadMessageCount(ctx context.Context, userID string) (int, error) {
	return r.gw.Count(ctx, gateway.Messages, gateway.Where(gateway.Eq("recipient_id", userID), gateway.IsNull("read_at")))
}

func (r *Repository) SendMessage(ctx context.Context, senderID, recipientID, body string) (domain.Message, error) {
	const op = "send_message"
	if err := requireUser(op, gateway.Messages, senderID); err != nil {
		return domain.Message{}, err
	}
	body = strings.TrimSpace(body)
	if recipientID == "" || body == "" {
		return domain.Message{}, invalid(op, gateway.Messages, "recipient and body are required")
	}
	out, err := r.gw.Insert(ctx, gateway.Messages, gateway.Row{
		"sender_id":    senderID,
		"recipient_id": recipientID,
		"body":         body,
	})
	if err != nil {
		return domain.Message{}, err
	}
	return decodeRow[domain.Message](out)
}

// MarkMessageRead sets read_at once; later calls return the message
// unchanged.
func (r *Repository) MarkMessageRead(ctx context.Context, id string) (domain.Message, error) {
	rows, err := r.gw.UpdateWhere(ctx, gateway.Messages,
		gateway.Where(gateway.Eq("id", id), gateway.IsNull("read_at")),
		gateway.Row{"read_at": r.stamp()})
	if err != nil {
		return domain.Message{}, err
	}
	if len(rows) == 0 {
		row, err := r.one(ctx, "mark_message_read", gateway.Messages, id)
		if err != nil {
			return domain.Message{}, err
		}
		return decodeRow[domain.Message](row)
	}
	return decodeRow[domain.Message](rows[0])
}

// MarkConversationRead marks every unread message from senderID to
// recipientID as read and returns the rows it changed.
func (r *Repository) MarkConversationRead(ctx context.Context, recipientID, senderID string) ([]domain.Message, error) {
	rows, err := r.gw.UpdateWhere(ctx, gateway.Messages,
		gateway.Where(gateway.Eq("recipient_id", recipientID), gateway.Eq("sender_id", senderID), gateway.IsNull("read_at")),
		gateway.Row{"read_at": r.stamp()})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Message](rows)
}
