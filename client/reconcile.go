package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hallchat/internal/models"
)

// MessageReconciler keeps per-conversation message lists consistent across
// optimistic local sends, live relay deliveries, and history fetches after a
// reconnect. Text sends get an optimistic pending entry immediately; media
// sends do not, their confirmation is the relay echo.
type MessageReconciler struct {
	localUserID string

	mu            sync.Mutex
	conversations map[string]*conversation
}

type conversation struct {
	messages []models.Message
	index    map[string]int
}

// NewMessageReconciler builds a reconciler for one local user.
func NewMessageReconciler(localUserID string) *MessageReconciler {
	return &MessageReconciler{
		localUserID:   localUserID,
		conversations: map[string]*conversation{},
	}
}

// AppendLocalText records an optimistic pending entry for a text send and
// returns it. The returned id is temporary until the relay echo or a history
// merge confirms it.
func (r *MessageReconciler) AppendLocalText(convKey, text string) models.Message {
	msg := models.Message{
		ID:              "local-" + uuid.NewString(),
		SenderID:        r.localUserID,
		ConversationKey: convKey,
		Text:            text,
		CreatedAt:       time.Now().UTC(),
		DeliveryState:   models.DeliveryPending,
	}
	if convKey == models.HallKey {
		msg.Scope = models.ScopeHall
	} else {
		msg.Scope = models.ScopePrivate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv(convKey).append(msg)
	return msg
}

// ConfirmLocal replaces a pending entry with its durable form, e.g. after the
// REST store returned the persisted message. The durable entry is re-inserted
// at its server timestamp, so it lands after anything that arrived in the
// meantime. A later relay echo of the same message deduplicates against the
// durable id.
func (r *MessageReconciler) ConfirmLocal(convKey, tempID string, durable models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conv(convKey)
	pos, ok := conv.index[tempID]
	if !ok || conv.messages[pos].DeliveryState != models.DeliveryPending {
		return false
	}
	conv.remove(pos)
	durable.DeliveryState = models.DeliveryConfirmed
	conv.insert(durable)
	return true
}

// FailLocal rolls a pending entry back entirely, e.g. when the durable send
// errored. The message disappears from the conversation; resending is the
// caller's decision.
func (r *MessageReconciler) FailLocal(convKey, tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conv(convKey)
	pos, ok := conv.index[tempID]
	if !ok || conv.messages[pos].DeliveryState != models.DeliveryPending {
		return false
	}
	conv.remove(pos)
	return true
}

// ApplyRemote folds one live relay delivery into conversation state. Own
// text-only echoes confirm the matching pending entry instead of appearing
// twice; everything else is inserted in timestamp order. Returns false when
// the delivery was a duplicate.
func (r *MessageReconciler) ApplyRemote(msg models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conv(msg.ConversationKey)
	if _, ok := conv.index[msg.ID]; ok {
		return false
	}

	msg.DeliveryState = models.DeliveryConfirmed
	if msg.SenderID == r.localUserID && !msg.HasMedia() {
		if conv.confirmPending(msg) {
			return true
		}
	}
	conv.insert(msg)
	return true
}

// MergeHistory folds a history fetch into conversation state. Known ids are
// skipped, pending entries matching a fetched message are confirmed, and the
// rest is inserted in timestamp order. Unmatched pending entries survive the
// merge.
func (r *MessageReconciler) MergeHistory(convKey string, history []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conv(convKey)
	for _, msg := range history {
		if _, ok := conv.index[msg.ID]; ok {
			continue
		}
		msg.DeliveryState = models.DeliveryConfirmed
		if msg.SenderID == r.localUserID && !msg.HasMedia() && conv.confirmPending(msg) {
			continue
		}
		conv.insert(msg)
	}
}

// Messages returns a snapshot of one conversation, oldest first.
func (r *MessageReconciler) Messages(convKey string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.conv(convKey)
	out := make([]models.Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Pending returns the pending entries of one conversation, oldest first.
func (r *MessageReconciler) Pending(convKey string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Message
	for _, msg := range r.conv(convKey).messages {
		if msg.DeliveryState == models.DeliveryPending {
			out = append(out, msg)
		}
	}
	return out
}

func (r *MessageReconciler) conv(key string) *conversation {
	conv, ok := r.conversations[key]
	if !ok {
		conv = &conversation{index: map[string]int{}}
		r.conversations[key] = conv
	}
	return conv
}

func (c *conversation) append(msg models.Message) {
	c.messages = append(c.messages, msg)
	c.index[msg.ID] = len(c.messages) - 1
}

// insert places msg in CreatedAt order. Deliveries are usually newest, so the
// scan runs from the tail.
func (c *conversation) insert(msg models.Message) {
	pos := len(c.messages)
	for pos > 0 && c.messages[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	c.messages = append(c.messages, models.Message{})
	copy(c.messages[pos+1:], c.messages[pos:])
	c.messages[pos] = msg
	c.reindex(pos)
}

func (c *conversation) remove(pos int) {
	delete(c.index, c.messages[pos].ID)
	c.messages = append(c.messages[:pos], c.messages[pos+1:]...)
	c.reindex(pos)
}

// confirmPending replaces the oldest pending entry with the same sender and
// text by its durable form. Matching by content is the only option: the
// relay assigns the durable id server-side.
func (c *conversation) confirmPending(msg models.Message) bool {
	for pos, candidate := range c.messages {
		if candidate.DeliveryState != models.DeliveryPending {
			continue
		}
		if candidate.SenderID != msg.SenderID || candidate.Text != msg.Text {
			continue
		}
		delete(c.index, candidate.ID)
		c.messages[pos] = msg
		c.index[msg.ID] = pos
		return true
	}
	return false
}

func (c *conversation) reindex(from int) {
	for pos := from; pos < len(c.messages); pos++ {
		c.index[c.messages[pos].ID] = pos
	}
}
