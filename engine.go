package vchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig names the remote collections and the routes the session
// navigates to. Zero fields get defaults.
type EngineConfig struct {
	DatabaseID              string
	UsersCollection         string
	ChatsCollection         string
	ChatMessagesCollection  string
	GroupsCollection        string
	GroupMessagesCollection string
	// GlobalChatID is the group every new account joins. Empty disables it.
	GlobalChatID string

	LoginRoute    string
	RegisterRoute string
	HomeRoute     string

	// CacheSize bounds idle cache entries; zero keeps everything.
	CacheSize    int
	FetchTimeout time.Duration
}

func (c *EngineConfig) defaults() {
	if c.DatabaseID == "" {
		c.DatabaseID = "main"
	}
	if c.UsersCollection == "" {
		c.UsersCollection = "users"
	}
	if c.ChatsCollection == "" {
		c.ChatsCollection = "chats"
	}
	if c.ChatMessagesCollection == "" {
		c.ChatMessagesCollection = "chat_messages"
	}
	if c.GroupsCollection == "" {
		c.GroupsCollection = "groups"
	}
	if c.GroupMessagesCollection == "" {
		c.GroupMessagesCollection = "group_messages"
	}
	if c.LoginRoute == "" {
		c.LoginRoute = "/login"
	}
	if c.RegisterRoute == "" {
		c.RegisterRoute = "/register"
	}
	if c.HomeRoute == "" {
		c.HomeRoute = "/chats"
	}
}

// Backend bundles the external collaborators of the engine. Documents and
// Sessions are required; the rest fall back to no-op or in-memory versions.
type Backend struct {
	Documents DocumentStore
	Sessions  SessionProvider
	Local     KeyValueStore
	Navigator Navigator
	Notifier  Notifier
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the view-facing API. It owns the process-wide cache and session
// and runs every mutation through the optimistic protocol.
type Engine struct {
	cfg     EngineConfig
	docs    DocumentStore
	auth    SessionProvider
	cache   *Cache
	session *Session
	notify  Notifier
	now     func() time.Time

	mu   sync.Mutex
	room *Room
}

// NewEngine creates the engine and its cache. Call it once per process.
func NewEngine(cfg EngineConfig, b Backend) *Engine {
	cfg.defaults()
	if b.Notifier == nil {
		b.Notifier = LogNotifier{}
	}

	var opts []CacheOption
	if cfg.CacheSize > 0 {
		opts = append(opts, WithMaxEntries(cfg.CacheSize))
	}
	if cfg.FetchTimeout > 0 {
		opts = append(opts, WithFetchTimeout(cfg.FetchTimeout))
	}
	c := NewCache(opts...)

	return &Engine{
		cfg:     cfg,
		docs:    b.Documents,
		auth:    b.Sessions,
		cache:   c,
		session: newSession(cfg, b, c),
		notify:  b.Notifier,
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Cache returns the shared query cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Session returns the session state machine.
func (e *Engine) Session() *Session { return e.session }

// SubscribeSession registers fn for session state changes.
func (e *Engine) SubscribeSession(fn Listener[SessionState]) func() {
	return e.session.Subscribe(fn)
}

// ── Session ──

func (e *Engine) Bootstrap(ctx context.Context) *Pending {
	return e.session.Bootstrap(ctx)
}

func (e *Engine) RouteChanged(ctx context.Context, path string) *Pending {
	return e.session.RouteChanged(ctx, path)
}

func (e *Engine) LogIn(ctx context.Context, creds Credentials) *Pending {
	return e.session.LogIn(ctx, creds)
}

func (e *Engine) Register(ctx context.Context, reg Registration) *Pending {
	return e.session.Register(ctx, reg)
}

// LogOut closes the active room and signs out.
func (e *Engine) LogOut(ctx context.Context) *Pending {
	p := e.session.LogOut(ctx)
	if p.Settled() && errors.Is(p.Err(), ErrSessionBusy) {
		return p
	}
	e.closeRoom("")
	return p
}

func (e *Engine) RefreshUserDetails(ctx context.Context) error {
	return e.session.RefreshUserDetails(ctx)
}

func (e *Engine) currentDetails() (*UserDetails, bool) {
	d := e.session.State().CurrentUserDetails
	return d, d != nil
}

// ── Conversations ──

// ConversationsKey is the cache key of the current user's conversation list,
// empty while nobody is signed in.
func (e *Engine) ConversationsKey() string {
	d, ok := e.currentDetails()
	if !ok {
		return ""
	}
	return "users/" + d.ID + "/conversations"
}

// Conversations returns the cached conversation list, fetching it when absent.
func (e *Engine) Conversations() Entry[[]Conversation] {
	return Read(e.cache, e.conversationsKeyFunc, e.fetchConversations)
}

// LoadConversations waits for the conversation list.
func (e *Engine) LoadConversations(ctx context.Context) ([]Conversation, error) {
	key := e.ConversationsKey()
	if key == "" {
		return nil, ErrNotAuthenticated
	}
	return Load(ctx, e.cache, key, e.fetchConversations)
}

// WatchConversations binds listener to the conversation list of whoever is
// signed in. Call Sync on the query after the session changes.
func (e *Engine) WatchConversations(listener Listener[Entry[[]Conversation]]) *Query[[]Conversation] {
	return NewQuery(e.cache, e.conversationsKeyFunc, e.fetchConversations, listener)
}

func (e *Engine) conversationsKeyFunc() (string, error) {
	key := e.ConversationsKey()
	if key == "" {
		return "", ErrNotAuthenticated
	}
	return key, nil
}

func (e *Engine) fetchConversations(ctx context.Context, _ string) ([]Conversation, error) {
	d, ok := e.currentDetails()
	if !ok {
		return nil, ErrNotAuthenticated
	}

	groups, err := e.listConversations(ctx, e.cfg.GroupsCollection, "members", d.ID, GroupChat)
	if err != nil {
		return nil, err
	}
	chats, err := e.listConversations(ctx, e.cfg.ChatsCollection, "participants", d.ID, DirectChat)
	if err != nil {
		return nil, err
	}
	return append(groups, chats...), nil
}

func (e *Engine) listConversations(ctx context.Context, collection, field, userID string, kind ConversationKind) ([]Conversation, error) {
	docs, err := e.docs.ListDocuments(ctx, e.cfg.DatabaseID, collection, Eq(field, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	convs, err := DecodeDocuments[Conversation](docs)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Kind = kind
	}
	return convs, nil
}

// ── Rooms ──

// OpenRoom makes conv the active room. The previous room is closed and its
// selection reset.
func (e *Engine) OpenRoom(conv Conversation) *Room {
	if conv.Kind == "" {
		conv.Kind = e.kindOf(conv)
	}
	r := newRoom(e.cache, conv, e.messagesFetcher(conv))

	e.mu.Lock()
	old := e.room
	e.room = r
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	r.Messages()
	return r
}

// ActiveRoom returns the open room, or nil.
func (e *Engine) ActiveRoom() *Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// CloseRoom closes the active room.
func (e *Engine) CloseRoom() {
	e.closeRoom("")
}

// closeRoom closes the active room when it is conversationID, or any room
// when conversationID is empty.
func (e *Engine) closeRoom(conversationID string) {
	e.mu.Lock()
	r := e.room
	if r == nil || (conversationID != "" && r.Conversation.ID != conversationID) {
		e.mu.Unlock()
		return
	}
	e.room = nil
	e.mu.Unlock()
	r.Close()
}

func (e *Engine) kindOf(conv Conversation) ConversationKind {
	if conv.CollectionID == e.cfg.GroupsCollection {
		return GroupChat
	}
	return DirectChat
}

func (e *Engine) messagesCollection(conv Conversation) (collection, field string) {
	if conv.IsGroup() {
		return e.cfg.GroupMessagesCollection, "groupDoc"
	}
	return e.cfg.ChatMessagesCollection, "chatDoc"
}

func (e *Engine) messagesFetcher(conv Conversation) Fetcher[[]Message] {
	collection, field := e.messagesCollection(conv)
	return func(ctx context.Context, _ string) ([]Message, error) {
		docs, err := e.docs.ListDocuments(ctx, e.cfg.DatabaseID, collection, Eq(field, conv.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		return DecodeDocuments[Message](docs)
	}
}

// stampChangeLog records the last change on the parent conversation so other
// clients watching it refetch.
func (e *Engine) stampChangeLog(ctx context.Context, conv Conversation, entry, changerID string) error {
	_, err := e.docs.UpdateDocument(ctx, conv.DatabaseID, conv.CollectionID, conv.ID, map[string]any{
		"changeLog": entry,
		"changerID": changerID,
	})
	return err
}

func (e *Engine) sendSystemMessage(ctx context.Context, groupID, body string) error {
	_, err := e.docs.CreateDocument(ctx, e.cfg.DatabaseID, e.cfg.GroupMessagesCollection, uuid.NewString(), map[string]any{
		"body":     body,
		"groupDoc": groupID,
	})
	return err
}

// ============================================================================
// Mutations
// ============================================================================

// EditMessage replaces the body of msg. The list shows the new body and an
// editedAt stamp at once; onApplied runs right after that, before the remote
// write. An empty or unchanged body is a no-op.
func (e *Engine) EditMessage(ctx context.Context, msg Message, body string, onApplied func()) *Pending {
	if body == "" || body == msg.Body {
		return settled(nil)
	}

	conv := e.parentOf(msg)
	editedAt := e.now().UTC().Format(time.RFC3339Nano)

	return RunMutation(ctx, e.cache, e.notify, Mutation[[]Message, *Document]{
		Name: "edit-message",
		Key:  MessagesKey(conv.ID),
		Apply: func(messages []Message) []Message {
			return replaceMessage(messages, msg.ID, func(m Message) Message {
				m.Body = body
				m.EditedAt = editedAt
				return m
			})
		},
		OnApplied: onApplied,
		Commit: func(ctx context.Context) (*Document, error) {
			return e.docs.UpdateDocument(ctx, msg.DatabaseID, msg.CollectionID, msg.ID, map[string]any{
				"body":     body,
				"editedAt": editedAt,
			})
		},
		Reconcile: func(messages []Message, doc *Document) []Message {
			var server Message
			if err := doc.Decode(&server); err != nil {
				glog.Warningf("edit-message: keeping local copy of %s: %v", msg.ID, err)
				return messages
			}
			return replaceMessage(messages, msg.ID, func(Message) Message { return server })
		},
		SideEffects: []SideEffect[*Document]{
			func(ctx context.Context, doc *Document) error {
				changer := strOr(doc.Fields, "senderID", msg.SenderID)
				return e.stampChangeLog(ctx, conv, "message/edit/"+msg.ID, changer)
			},
		},
		ErrorMessage: "Something went wrong",
	})
}

// parentOf returns the conversation msg belongs to, preferring the open room.
func (e *Engine) parentOf(msg Message) Conversation {
	id := msg.GroupID
	if id == "" {
		id = msg.ChatID
	}
	if r := e.ActiveRoom(); r != nil && r.Conversation.ID == id {
		return r.Conversation
	}
	if msg.GroupID != "" {
		return Conversation{ID: id, DatabaseID: e.cfg.DatabaseID, CollectionID: e.cfg.GroupsCollection, Kind: GroupChat}
	}
	return Conversation{ID: id, DatabaseID: e.cfg.DatabaseID, CollectionID: e.cfg.ChatsCollection, Kind: DirectChat}
}

// DeleteSelectedMessages deletes the selection of the active room. When the
// current user may not delete every selected message nothing happens and the
// returned Pending carries ErrPermissionDenied.
func (e *Engine) DeleteSelectedMessages(ctx context.Context) *Pending {
	r := e.ActiveRoom()
	if r == nil {
		return settled(ErrNoActiveRoom)
	}
	me, ok := e.currentDetails()
	if !ok {
		return settled(ErrNotAuthenticated)
	}

	selected := r.Selection().SelectedMessages
	if len(selected) == 0 {
		return settled(nil)
	}
	if !CanDelete(me.ID, selected, r.Conversation) {
		glog.V(1).Infof("delete-messages: %s may not delete %d messages in %s", me.ID, len(selected), r.Conversation.ID)
		return settled(ErrPermissionDenied)
	}

	ids := make(map[string]bool, len(selected))
	for _, m := range selected {
		ids[m.ID] = true
	}
	conv := r.Conversation

	return RunMutation(ctx, e.cache, e.notify, Mutation[[]Message, []string]{
		Name: "delete-messages",
		Key:  r.Key(),
		Apply: func(messages []Message) []Message {
			kept := make([]Message, 0, len(messages))
			for _, m := range messages {
				if !ids[m.ID] {
					kept = append(kept, m)
				}
			}
			return kept
		},
		OnApplied: r.ClearSelection,
		Commit: func(ctx context.Context) ([]string, error) {
			deleted := make([]string, 0, len(selected))
			for _, m := range selected {
				if err := e.docs.DeleteDocument(ctx, m.DatabaseID, m.CollectionID, m.ID); err != nil {
					return deleted, fmt.Errorf("failed to delete message %s: %w", m.ID, err)
				}
				deleted = append(deleted, m.ID)
			}
			return deleted, nil
		},
		SideEffects: []SideEffect[[]string]{
			func(ctx context.Context, deleted []string) error {
				return e.stampChangeLog(ctx, conv, "message/delete/"+strings.Join(deleted, ","), me.ID)
			},
		},
		SuccessMessage: "Messages deleted",
		ErrorMessage:   "Something went wrong",
	})
}

// CreateGroup adds a placeholder group to the conversation list, creates it
// remotely and swaps the placeholder for the stored document. The creator is
// always a member and the only admin.
func (e *Engine) CreateGroup(ctx context.Context, in GroupInput, onApplied func()) *Pending {
	me, ok := e.currentDetails()
	if !ok {
		return settled(ErrNotAuthenticated)
	}
	key := e.ConversationsKey()
	id := uuid.NewString()

	memberIDs := []string{me.ID}
	for _, m := range in.Members {
		if m != me.ID && !contains(memberIDs, m) {
			memberIDs = append(memberIDs, m)
		}
	}
	members := make([]UserDetails, 0, len(memberIDs))
	for _, m := range memberIDs {
		if m == me.ID {
			members = append(members, *me)
			continue
		}
		members = append(members, UserDetails{ID: m})
	}

	placeholder := Conversation{
		ID:           id,
		DatabaseID:   e.cfg.DatabaseID,
		CollectionID: e.cfg.GroupsCollection,
		Kind:         GroupChat,
		Name:         in.Name,
		Description:  in.Description,
		AvatarURL:    in.AvatarURL,
		Members:      members,
		Admins:       []string{me.ID},
	}

	return RunMutation(ctx, e.cache, e.notify, Mutation[[]Conversation, *Document]{
		Name: "create-group",
		Key:  key,
		Apply: func(convs []Conversation) []Conversation {
			return append(append([]Conversation{}, convs...), placeholder)
		},
		OnApplied: onApplied,
		Commit: func(ctx context.Context) (*Document, error) {
			return e.docs.CreateDocument(ctx, e.cfg.DatabaseID, e.cfg.GroupsCollection, id, map[string]any{
				"name":        in.Name,
				"description": in.Description,
				"avatarURL":   in.AvatarURL,
				"members":     memberIDs,
				"admins":      []string{me.ID},
			})
		},
		Reconcile: func(convs []Conversation, doc *Document) []Conversation {
			var group Conversation
			if err := doc.Decode(&group); err != nil {
				glog.Warningf("create-group: keeping placeholder %s: %v", id, err)
				return convs
			}
			group.Kind = GroupChat
			out := make([]Conversation, len(convs))
			for i, c := range convs {
				if c.ID == id {
					c = group
				}
				out[i] = c
			}
			return out
		},
		SideEffects: []SideEffect[*Document]{
			func(ctx context.Context, doc *Document) error {
				return e.sendSystemMessage(ctx, doc.ID, me.Name+" created the group")
			},
		},
		SuccessMessage: "Group created",
		ErrorMessage:   "Couldn't create group",
	})
}

// LeaveGroup removes the current user from conv. The group disappears from
// the list at once and its room is closed.
func (e *Engine) LeaveGroup(ctx context.Context, conv Conversation) *Pending {
	me, ok := e.currentDetails()
	if !ok {
		return settled(ErrNotAuthenticated)
	}
	if !conv.IsGroup() {
		return settled(fmt.Errorf("leave %s: not a group", conv.ID))
	}

	return RunMutation(ctx, e.cache, e.notify, Mutation[[]Conversation, *Document]{
		Name:      "leave-group",
		Key:       e.ConversationsKey(),
		Apply:     func(convs []Conversation) []Conversation { return removeConversation(convs, conv.ID) },
		OnApplied: func() { e.closeRoom(conv.ID) },
		Commit: func(ctx context.Context) (*Document, error) {
			doc, err := e.docs.GetDocument(ctx, conv.DatabaseID, conv.CollectionID, conv.ID)
			if err != nil {
				return nil, err
			}
			var current Conversation
			if err := doc.Decode(&current); err != nil {
				return nil, err
			}
			members := make([]string, 0, len(current.Members))
			for _, m := range current.Members {
				if m.ID != me.ID {
					members = append(members, m.ID)
				}
			}
			admins := make([]string, 0, len(current.Admins))
			for _, a := range current.Admins {
				if a != me.ID {
					admins = append(admins, a)
				}
			}
			return e.docs.UpdateDocument(ctx, conv.DatabaseID, conv.CollectionID, conv.ID, map[string]any{
				"members": members,
				"admins":  admins,
			})
		},
		SideEffects: []SideEffect[*Document]{
			func(ctx context.Context, _ *Document) error {
				return e.sendSystemMessage(ctx, conv.ID, me.Name+" left the group")
			},
		},
		ErrorMessage: "Something went wrong",
	})
}

// DeleteConversation deletes conv for everyone. Groups can only be deleted by
// their admins; anyone else gets ErrPermissionDenied and nothing happens.
func (e *Engine) DeleteConversation(ctx context.Context, conv Conversation) *Pending {
	me, ok := e.currentDetails()
	if !ok {
		return settled(ErrNotAuthenticated)
	}
	if !CanDeleteConversation(me.ID, conv) {
		glog.V(1).Infof("delete-conversation: %s may not delete %s", me.ID, conv.ID)
		return settled(ErrPermissionDenied)
	}

	return RunMutation(ctx, e.cache, e.notify, Mutation[[]Conversation, struct{}]{
		Name:      "delete-conversation",
		Key:       e.ConversationsKey(),
		Apply:     func(convs []Conversation) []Conversation { return removeConversation(convs, conv.ID) },
		OnApplied: func() { e.closeRoom(conv.ID) },
		Commit: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.docs.DeleteDocument(ctx, conv.DatabaseID, conv.CollectionID, conv.ID)
		},
		ErrorMessage: "Something went wrong",
	})
}

// UpdateUserDetails patches the profile of the current user. The session
// sees the change immediately through the details cache entry.
func (e *Engine) UpdateUserDetails(ctx context.Context, patch DetailsPatch) *Pending {
	me, ok := e.currentDetails()
	if !ok {
		return settled(ErrNotAuthenticated)
	}
	fields := patch.fields()
	if len(fields) == 0 {
		return settled(nil)
	}

	m := Mutation[UserDetails, *Document]{
		Name:  "update-details",
		Key:   DetailsKey(me.ID),
		Apply: patch.apply,
		Commit: func(ctx context.Context) (*Document, error) {
			return e.docs.UpdateDocument(ctx, e.cfg.DatabaseID, e.cfg.UsersCollection, me.ID, fields)
		},
		Reconcile: func(current UserDetails, doc *Document) UserDetails {
			var server UserDetails
			if err := doc.Decode(&server); err != nil {
				return current
			}
			return server
		},
		ErrorMessage: "Something went wrong",
	}
	if patch.Name != nil {
		name := *patch.Name
		m.SideEffects = append(m.SideEffects, func(ctx context.Context, _ *Document) error {
			_, err := e.auth.UpdateName(ctx, name)
			return err
		})
	}
	return RunMutation(ctx, e.cache, e.notify, m)
}

// ── Helpers ──

func replaceMessage(messages []Message, id string, fn func(Message) Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if m.ID == id {
			m = fn(m)
		}
		out[i] = m
	}
	return out
}

func removeConversation(convs []Conversation, id string) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
