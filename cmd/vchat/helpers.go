package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	vchat "github.com/vchat-io/vchat/sdk/golang"
)

const defaultTimeout = 15 * time.Second

// app is one CLI invocation: the config, the REST client and the engine on top.
type app struct {
	cfg    *Config
	client *vchat.Client
	engine *vchat.Engine

	mu    sync.Mutex
	route string
}

// newApp loads the config and builds the engine with the signed-in session
// cached in ~/.vchat/session.toml.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no server configured; run 'vchat config set default.base_url <url>' first")
	}
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	opts := []vchat.ClientOption{vchat.WithBaseURL(cfg.Default.BaseURL)}
	if cfg.Default.Project != "" {
		opts = append(opts, vchat.WithProject(cfg.Default.Project))
	}
	a.client = vchat.NewClient(opts...)

	a.engine = vchat.NewEngine(vchat.EngineConfig{
		DatabaseID:              cfg.Default.DatabaseID,
		UsersCollection:         cfg.Collections.Users,
		ChatsCollection:         cfg.Collections.Chats,
		ChatMessagesCollection:  cfg.Collections.ChatMessages,
		GroupsCollection:        cfg.Collections.Groups,
		GroupMessagesCollection: cfg.Collections.GroupMessages,
		GlobalChatID:            cfg.Default.GlobalChatID,
	}, vchat.Backend{
		Documents: a.client,
		Sessions:  a.client,
		Local:     vchat.NewFileKV(path),
		Navigator: vchat.NavigateFunc(a.navigate),
		Notifier:  vchat.NotifyFunc(printNotification),
	})
	return a, nil
}

func (a *app) navigate(path string) {
	a.mu.Lock()
	a.route = path
	a.mu.Unlock()
}

// lastRoute returns where the engine navigated last.
func (a *app) lastRoute() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.route
}

func (a *app) context() (context.Context, context.CancelFunc) {
	timeout := defaultTimeout
	if a.cfg.Default.TimeoutSec > 0 {
		timeout = time.Duration(a.cfg.Default.TimeoutSec) * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// signIn restores the cached session, failing when nobody is signed in.
func (a *app) signIn(ctx context.Context) (*vchat.UserDetails, error) {
	if err := a.engine.RouteChanged(ctx, a.engine.Config().HomeRoute).Wait(ctx); err != nil {
		return nil, fmt.Errorf("not signed in (%v); run 'vchat login' first", err)
	}
	st := a.engine.Session().State()
	if st.CurrentUserDetails == nil {
		return nil, fmt.Errorf("not signed in; run 'vchat login' first")
	}
	return st.CurrentUserDetails, nil
}

// conversation finds one of the current user's conversations by id.
func (a *app) conversation(ctx context.Context, id string) (vchat.Conversation, error) {
	convs, err := a.engine.LoadConversations(ctx)
	if err != nil {
		return vchat.Conversation{}, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, nil
		}
	}
	return vchat.Conversation{}, fmt.Errorf("conversation %s not found", id)
}

// openRoom opens a conversation and waits for its messages.
func (a *app) openRoom(ctx context.Context, id string) (*vchat.Room, []vchat.Message, error) {
	conv, err := a.conversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	room := a.engine.OpenRoom(conv)
	msgs, err := room.LoadMessages(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return room, msgs, nil
}

// flush waits for p and its side effects. A failure names the operation id
// that the engine's logs carry.
func flush(ctx context.Context, p *vchat.Pending) error {
	if err := p.Flush(ctx); err != nil {
		return fmt.Errorf("%w (operation %s)", err, p.ID)
	}
	return nil
}

func printNotification(kind vchat.NotificationKind, message string) {
	if kind == vchat.NotifyError {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
		return
	}
	fmt.Println(message)
}

func conversationTitle(c vchat.Conversation, me string) string {
	if c.IsGroup() {
		return valueOrDefault(c.Name, "(unnamed group)")
	}
	for _, p := range c.Participants {
		if p.ID != me {
			return valueOrDefault(p.Name, p.ID)
		}
	}
	return "(direct chat)"
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
