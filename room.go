package vchat

import (
	"context"
	"sync"
)

// ============================================================================
// Selection
// ============================================================================

// Selection is the bulk-action selection of the active room.
type Selection struct {
	RoomID           string
	SelectedMessages []Message
}

// IDs returns the ids of the selected messages.
func (s Selection) IDs() []string {
	ids := make([]string, 0, len(s.SelectedMessages))
	for _, m := range s.SelectedMessages {
		ids = append(ids, m.ID)
	}
	return ids
}

// Contains reports whether the message id is selected.
func (s Selection) Contains(id string) bool {
	for _, m := range s.SelectedMessages {
		if m.ID == id {
			return true
		}
	}
	return false
}

type selectionOp int

const (
	opToggle selectionOp = iota
	opClear
	opSelectAll
	opPrune
	opReset
)

type selectionAction struct {
	op       selectionOp
	message  Message
	messages []Message
	roomID   string
}

// reduceSelection is the pure transition function of the selection state.
func reduceSelection(s Selection, a selectionAction) Selection {
	switch a.op {
	case opToggle:
		next := make([]Message, 0, len(s.SelectedMessages)+1)
		found := false
		for _, m := range s.SelectedMessages {
			if m.ID == a.message.ID {
				found = true
				continue
			}
			next = append(next, m)
		}
		if !found {
			next = append(next, a.message)
		}
		return Selection{RoomID: s.RoomID, SelectedMessages: next}

	case opClear:
		return Selection{RoomID: s.RoomID}

	case opSelectAll:
		return Selection{RoomID: s.RoomID, SelectedMessages: append([]Message{}, a.messages...)}

	case opPrune:
		present := make(map[string]Message, len(a.messages))
		for _, m := range a.messages {
			present[m.ID] = m
		}
		next := make([]Message, 0, len(s.SelectedMessages))
		for _, m := range s.SelectedMessages {
			if current, ok := present[m.ID]; ok {
				next = append(next, current)
			}
		}
		return Selection{RoomID: s.RoomID, SelectedMessages: next}

	case opReset:
		return Selection{RoomID: a.roomID}
	}
	return s
}

// ============================================================================
// Room
// ============================================================================

// MessagesKey is the cache key of a conversation's messages.
func MessagesKey(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	return "conversations/" + conversationID + "/messages"
}

// Room is the active conversation: its cached message list and the
// selection over it. The selection is pruned on every change of the list.
type Room struct {
	Conversation Conversation

	cache     *Cache
	fetch     Fetcher[[]Message]
	selection *Store[Selection]

	mu    sync.Mutex
	unsub func()
}

func newRoom(c *Cache, conv Conversation, fetch Fetcher[[]Message]) *Room {
	r := &Room{
		Conversation: conv,
		cache:        c,
		fetch:        fetch,
		selection:    NewStore(Selection{RoomID: conv.ID}),
	}
	r.unsub = Subscribe(c, r.Key(), func(e Entry[[]Message]) {
		if e.HasData {
			r.dispatch(selectionAction{op: opPrune, messages: e.Data})
		}
	})
	return r
}

// Key returns the messages cache key of the room.
func (r *Room) Key() string {
	return MessagesKey(r.Conversation.ID)
}

// Messages returns the cached messages, starting a fetch when none is cached.
func (r *Room) Messages() Entry[[]Message] {
	return Read(r.cache, StaticKey(r.Key()), r.fetch)
}

// LoadMessages waits for the message list.
func (r *Room) LoadMessages(ctx context.Context) ([]Message, error) {
	return Load(ctx, r.cache, r.Key(), r.fetch)
}

// SubscribeMessages registers fn for message list changes.
func (r *Room) SubscribeMessages(fn Listener[Entry[[]Message]]) func() {
	return Subscribe(r.cache, r.Key(), fn)
}

// Selection returns the current selection.
func (r *Room) Selection() Selection {
	return r.selection.Get()
}

// SubscribeSelection registers fn for selection changes.
func (r *Room) SubscribeSelection(fn Listener[Selection]) func() {
	return r.selection.Subscribe(fn)
}

// ToggleSelect adds or removes m from the selection.
func (r *Room) ToggleSelect(m Message) {
	r.dispatch(selectionAction{op: opToggle, message: m})
}

// ClearSelection empties the selection.
func (r *Room) ClearSelection() {
	r.dispatch(selectionAction{op: opClear})
}

// SelectAll selects every message given.
func (r *Room) SelectAll(messages []Message) {
	r.dispatch(selectionAction{op: opSelectAll, messages: messages})
}

// dispatch applies a transition and prunes the result against the cached
// list so the selection never refers to messages that are gone.
func (r *Room) dispatch(a selectionAction) {
	r.selection.Update(func(s Selection) Selection {
		next := reduceSelection(s, a)
		if a.op != opPrune {
			if e := Get[[]Message](r.cache, r.Key()); e.HasData {
				next = reduceSelection(next, selectionAction{op: opPrune, messages: e.Data})
			}
		}
		return next
	})
}

// Close drops the room's cache subscription and resets the selection.
func (r *Room) Close() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.dispatch(selectionAction{op: opReset, roomID: r.Conversation.ID})
}
