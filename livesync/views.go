package livesync

import (
	"context"

	"prism-dashboard/board"
	"prism-dashboard/domain"
	"prism-dashboard/gateway"
	"prism-dashboard/repository"
)

// StartSync tracks the rows of entity matching f, ordered by order. The
// returned cancel stops polling and releases the subscription.
func StartSync(ctx context.Context, gw gateway.Gateway, entity gateway.Entity, f gateway.Filter, order []gateway.Order, onChange func([]gateway.Row), opts ...Option) (cancel func(), err error) {
	s, err := Start(ctx, gw, Source[gateway.Row]{
		Entity: entity,
		Filter: f,
		Fetch: func(ctx context.Context) ([]gateway.Row, error) {
			return gw.Query(ctx, entity, gateway.Query{Filter: f, Order: order})
		},
		Decode: func(r gateway.Row) (gateway.Row, error) { return r.Clone(), nil },
		ID:     func(r gateway.Row) string { return r.ID() },
	}, onChange, opts...)
	if err != nil {
		return nil, err
	}
	return s.Cancel, nil
}

func messageID(m domain.Message) string { return m.ID }

func notificationID(n domain.Notification) string { return n.ID }

// Inbox is the live list of a user's conversations.
type Inbox struct {
	userID string
	sess   *Session[domain.Message]
}

// StartInbox tracks every message sent or received by userID. onChange gets
// the regrouped conversations after each change.
func StartInbox(ctx context.Context, repo *repository.Repository, userID string, onChange func([]domain.Conversation), opts ...Option) (*Inbox, error) {
	in := &Inbox{userID: userID}
	var cb func([]domain.Message)
	if onChange != nil {
		cb = func(msgs []domain.Message) { onChange(domain.GroupConversations(userID, msgs)) }
	}
	sess, err := Start(ctx, repo.Gateway(), Source[domain.Message]{
		Entity:  gateway.Messages,
		Filter:  repository.InvolvingFilter(userID),
		Mask:    gateway.OnInsert | gateway.OnUpdate,
		Fetch:   func(ctx context.Context) ([]domain.Message, error) { return repo.MessagesForUser(ctx, userID) },
		Decode:  repository.Decode[domain.Message],
		ID:      messageID,
		Prepend: true,
	}, cb, opts...)
	if err != nil {
		return nil, err
	}
	in.sess = sess
	return in, nil
}

func (in *Inbox) Conversations() []domain.Conversation {
	return domain.GroupConversations(in.userID, in.sess.Items())
}

// UnreadCount counts unread messages addressed to the user.
func (in *Inbox) UnreadCount() int { return domain.UnreadCount(in.userID, in.sess.Items()) }

func (in *Inbox) Messages() []domain.Message { return in.sess.Items() }

func (in *Inbox) Cancel() { in.sess.Cancel() }

// Thread is the live conversation between the user and one partner. Every
// poll also marks the partner's messages read.
type Thread struct {
	userID    string
	partnerID string
	repo      *repository.Repository
	sess      *Session[domain.Message]
}

func StartThread(ctx context.Context, repo *repository.Repository, userID, partnerID string, onChange func([]domain.Message), opts ...Option) (*Thread, error) {
	th := &Thread{userID: userID, partnerID: partnerID, repo: repo}
	sess, err := Start(ctx, repo.Gateway(), Source[domain.Message]{
		Entity: gateway.Messages,
		Filter: repository.ConversationFilter(userID, partnerID),
		Mask:   gateway.OnInsert | gateway.OnUpdate,
		Fetch:  th.fetch,
		Decode: repository.Decode[domain.Message],
		ID:     messageID,
	}, onChange, opts...)
	if err != nil {
		return nil, err
	}
	th.sess = sess
	return th, nil
}

func (th *Thread) fetch(ctx context.Context) ([]domain.Message, error) {
	msgs, err := th.repo.Conversation(ctx, th.userID, th.partnerID)
	if err != nil {
		return nil, err
	}
	read, err := th.repo.MarkConversationRead(ctx, th.userID, th.partnerID)
	if err != nil {
		return nil, err
	}
	readAt := make(map[string]domain.Message, len(read))
	for _, m := range read {
		readAt[m.ID] = m
	}
	for i, m := range msgs {
		if r, ok := readAt[m.ID]; ok {
			msgs[i].ReadAt = r.ReadAt
		}
	}
	return msgs, nil
}

// Send stores a message to the partner and tracks it right away, so the
// pushed insert that follows is ignored.
func (th *Thread) Send(ctx context.Context, body string) (domain.Message, error) {
	m, err := th.repo.SendMessage(ctx, th.userID, th.partnerID, body)
	if err != nil {
		return domain.Message{}, err
	}
	th.sess.Track(m)
	return m, nil
}

func (th *Thread) Messages() []domain.Message { return th.sess.Items() }

func (th *Thread) Cancel() { th.sess.Cancel() }

// NotificationFeed is the live, newest-first list of a user's notifications.
type NotificationFeed struct {
	userID string
	repo   *repository.Repository
	sess   *Session[domain.Notification]
}

func StartNotificationFeed(ctx context.Context, repo *repository.Repository, userID string, onChange func([]domain.Notification), opts ...Option) (*NotificationFeed, error) {
	nf := &NotificationFeed{userID: userID, repo: repo}
	sess, err := Start(ctx, repo.Gateway(), Source[domain.Notification]{
		Entity:  gateway.Notifications,
		Filter:  gateway.Where(gateway.Eq("user_id", userID)),
		Mask:    gateway.OnInsert | gateway.OnUpdate,
		Fetch:   func(ctx context.Context) ([]domain.Notification, error) { return repo.Notifications(ctx, userID) },
		Decode:  repository.Decode[domain.Notification],
		ID:      notificationID,
		Prepend: true,
	}, onChange, opts...)
	if err != nil {
		return nil, err
	}
	nf.sess = sess
	return nf, nil
}

func (nf *NotificationFeed) Items() []domain.Notification { return nf.sess.Items() }

func (nf *NotificationFeed) UnreadCount() int {
	n := 0
	for _, it := range nf.sess.Items() {
		if it.ReadAt == nil {
			n++
		}
	}
	return n
}

// MarkRead marks one notification read on the gateway and in the feed.
func (nf *NotificationFeed) MarkRead(ctx context.Context, id string) (domain.Notification, error) {
	n, err := nf.repo.MarkNotificationRead(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	nf.sess.Update(func(cur domain.Notification) (domain.Notification, bool) {
		if cur.ID != id || cur.ReadAt != nil {
			return cur, false
		}
		cur.ReadAt = n.ReadAt
		return cur, true
	})
	return n, nil
}

// MarkAllRead marks every unread notification read and returns how many the
// gateway changed.
func (nf *NotificationFeed) MarkAllRead(ctx context.Context) (int, error) {
	changed, err := nf.repo.MarkAllNotificationsRead(ctx, nf.userID)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]domain.Notification, len(changed))
	for _, n := range changed {
		byID[n.ID] = n
	}
	now := nf.sess.now().UTC()
	nf.sess.Update(func(cur domain.Notification) (domain.Notification, bool) {
		if cur.ReadAt != nil {
			return cur, false
		}
		if n, ok := byID[cur.ID]; ok {
			cur.ReadAt = n.ReadAt
		} else {
			cur.ReadAt = &now
		}
		return cur, true
	})
	return len(changed), nil
}

func (nf *NotificationFeed) Cancel() { nf.sess.Cancel() }

// BoardWatch keeps a project's board in sync for read-only viewers.
type BoardWatch struct {
	projectID string
	sess      *Session[domain.TaskWithAssignee]
}

// WatchBoard tracks the project's tasks and hands grouped snapshots to
// onChange. Pushed updates keep the assignee attached by the last poll.
func WatchBoard(ctx context.Context, repo *repository.Repository, projectID string, onChange func(board.Snapshot), opts ...Option) (*BoardWatch, error) {
	var cb func([]domain.TaskWithAssignee)
	if onChange != nil {
		cb = func(tasks []domain.TaskWithAssignee) { onChange(board.SnapshotOf(projectID, board.Group(tasks))) }
	}
	sess, err := Start(ctx, repo.Gateway(), Source[domain.TaskWithAssignee]{
		Entity: gateway.Tasks,
		Filter: gateway.Where(gateway.Eq("project_id", projectID)),
		Mask:   gateway.OnInsert | gateway.OnUpdate,
		Fetch: func(ctx context.Context) ([]domain.TaskWithAssignee, error) {
			return repo.TasksByProject(ctx, projectID)
		},
		Decode: func(r gateway.Row) (domain.TaskWithAssignee, error) {
			t, err := repository.Decode[domain.Task](r)
			return domain.TaskWithAssignee{Task: t}, err
		},
		ID: func(t domain.TaskWithAssignee) string { return t.ID },
		Merge: func(old, pushed domain.TaskWithAssignee) domain.TaskWithAssignee {
			if old.Assignee != nil && pushed.AssigneeID != nil && *pushed.AssigneeID == old.Assignee.ID {
				pushed.Assignee = old.Assignee
			}
			return pushed
		},
	}, cb, opts...)
	if err != nil {
		return nil, err
	}
	return &BoardWatch{projectID: projectID, sess: sess}, nil
}

func (w *BoardWatch) Snapshot() board.Snapshot {
	return board.SnapshotOf(w.projectID, board.Group(w.sess.Items()))
}

func (w *BoardWatch) Cancel() { w.sess.Cancel() }
