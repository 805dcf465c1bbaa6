package vchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Phase is the stage of the session state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseAuthenticated
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// SessionState is the observable state of the signed-in user.
type SessionState struct {
	CurrentUser        *Account
	CurrentUserDetails *UserDetails
	IsLoading          bool
	IsFetchingInFlight bool
	Phase              Phase
}

// Navigator moves the view to a route.
type Navigator interface {
	Navigate(path string)
}

// NavigateFunc adapts a function to Navigator.
type NavigateFunc func(path string)

func (f NavigateFunc) Navigate(path string) { f(path) }

type nopNavigator struct{}

func (nopNavigator) Navigate(string) {}

// tokenHolder is implemented by session providers that carry a bearer token,
// such as Client.
type tokenHolder interface {
	Token() string
	SetToken(token string)
}

// cachedSession is what the local store keeps between runs.
type cachedSession struct {
	Account Account `json:"account"`
	Token   string  `json:"token,omitempty"`
}

const localSessionKey = "user"

// DetailsKey is the cache key of a user details document.
func DetailsKey(detailsID string) string {
	if detailsID == "" {
		return ""
	}
	return "users/" + detailsID + "/details"
}

// TokenExpiry returns the expiry of a JWT session token. ok is false for
// tokens that are not JWTs or carry no expiry. The signature is not checked.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

func tokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !exp.After(now)
}

// ============================================================================
// Session
// ============================================================================

// Session runs the bootstrap, login, logout and registration sequences.
// At most one of them is in flight at any time; a call made while another
// runs returns ErrSessionBusy and changes nothing.
type Session struct {
	cfg    EngineConfig
	docs   DocumentStore
	auth   SessionProvider
	local  KeyValueStore
	cache  *Cache
	nav    Navigator
	notify Notifier
	now    func() time.Time

	state *Store[SessionState]

	mu           sync.Mutex
	inFlight     bool
	intended     string
	unsubDetails func()
}

func newSession(cfg EngineConfig, b Backend, c *Cache) *Session {
	s := &Session{
		cfg:      cfg,
		docs:     b.Documents,
		auth:     b.Sessions,
		local:    b.Local,
		cache:    c,
		nav:      b.Navigator,
		notify:   b.Notifier,
		now:      time.Now,
		state:    NewStore(SessionState{IsLoading: true}),
		intended: "/",
	}
	if s.local == nil {
		s.local = NewMemoryKV()
	}
	if s.nav == nil {
		s.nav = nopNavigator{}
	}
	if s.notify == nil {
		s.notify = nopNotifier{}
	}
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state.Get()
}

// Subscribe registers fn for session state changes.
func (s *Session) Subscribe(fn Listener[SessionState]) func() {
	return s.state.Subscribe(fn)
}

// Intended returns the route the view asked for last.
func (s *Session) Intended() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intended
}

// begin takes the in-flight flag. It reports false when a sequence already
// holds it.
func (s *Session) begin(op string) bool {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		glog.V(1).Infof("session: %s skipped, another sequence is in flight", op)
		return false
	}
	s.inFlight = true
	s.mu.Unlock()

	s.state.Update(func(st SessionState) SessionState {
		st.IsFetchingInFlight = true
		st.IsLoading = true
		st.Phase = PhaseFetching
		return st
	})
	return true
}

// end releases the in-flight flag and applies the outcome of the sequence.
func (s *Session) end(outcome func(SessionState) SessionState) {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()

	s.state.Update(func(st SessionState) SessionState {
		if outcome != nil {
			st = outcome(st)
		}
		st.IsFetchingInFlight = false
		st.IsLoading = false
		return st
	})
}

func (s *Session) run(ctx context.Context, op string, fn func(ctx context.Context, p *Pending) error) *Pending {
	if !s.begin(op) {
		return settled(ErrSessionBusy)
	}
	p := newPending()
	go func() {
		err := fn(ctx, p)
		if err != nil {
			glog.V(1).Infof("session: %s failed: %v", op, err)
		}
		p.resolve(err)
	}()
	return p
}

// ── Sequences ──

// Bootstrap loads the signed-in user, from the local store when a cached
// session is still valid, from the session provider otherwise.
func (s *Session) Bootstrap(ctx context.Context) *Pending {
	return s.run(ctx, "bootstrap", func(ctx context.Context, _ *Pending) error {
		return s.bootstrap(ctx)
	})
}

// RouteChanged records the route the view is on and bootstraps when no user
// is loaded yet.
func (s *Session) RouteChanged(ctx context.Context, path string) *Pending {
	s.mu.Lock()
	s.intended = path
	s.mu.Unlock()

	st := s.state.Get()
	if st.CurrentUser != nil && st.CurrentUserDetails != nil {
		return settled(nil)
	}
	return s.Bootstrap(ctx)
}

// LogIn creates a session and then loads the user.
func (s *Session) LogIn(ctx context.Context, creds Credentials) *Pending {
	return s.run(ctx, "login", func(ctx context.Context, _ *Pending) error {
		if _, err := s.auth.CreateSession(ctx, creds.Email, creds.Password); err != nil {
			s.end(unauthenticated)
			s.notify.Notify(NotifyError, failureMessage("Login failed", err))
			return fmt.Errorf("failed to create session: %w", err)
		}
		// the guard is already held, so the load runs unguarded
		return s.bootstrapAfterLogin(ctx)
	})
}

func (s *Session) bootstrapAfterLogin(ctx context.Context) error {
	// a stale cached account must not shadow the one just signed in
	if err := s.local.Clear(); err != nil {
		glog.Warningf("session: failed to clear local store: %v", err)
	}
	return s.bootstrap(ctx)
}

// LogOut forgets the user locally and deletes the remote session.
func (s *Session) LogOut(ctx context.Context) *Pending {
	return s.run(ctx, "logout", func(ctx context.Context, _ *Pending) error {
		s.dropDetailsMirror()
		s.state.Update(func(st SessionState) SessionState {
			st.CurrentUser = nil
			st.CurrentUserDetails = nil
			return st
		})
		if err := s.local.Clear(); err != nil {
			glog.Warningf("session: failed to clear local store: %v", err)
		}

		if err := s.auth.DeleteSession(ctx); err != nil {
			s.end(unauthenticated)
			s.notify.Notify(NotifyError, failureMessage("Logout failed", err))
			return fmt.Errorf("failed to delete session: %w", err)
		}
		s.end(unauthenticated)
		s.nav.Navigate(s.cfg.LoginRoute)
		return nil
	})
}

// Register creates the account, signs in, creates the user details document
// and lands on the home route. Joining the global chat happens afterwards and
// only logs on failure.
func (s *Session) Register(ctx context.Context, reg Registration) *Pending {
	return s.run(ctx, "register", func(ctx context.Context, p *Pending) error {
		user, details, err := s.register(ctx, reg)
		if err != nil {
			s.end(unauthenticated)
			s.notify.Notify(NotifyError, failureMessage("Registration failed", err))
			return err
		}

		s.persist(user)
		s.setUser(user, details)
		s.end(authenticated)
		s.notify.Notify(NotifySuccess, "Registration successful!")
		s.nav.Navigate(s.cfg.HomeRoute)

		ctx = context.WithoutCancel(ctx)
		p.goEffect(func() {
			if err := s.joinGlobalChat(ctx, details.ID); err != nil {
				glog.Warningf("session: failed to join global chat: %v", err)
			}
		})
		return nil
	})
}

func (s *Session) register(ctx context.Context, reg Registration) (*Account, *UserDetails, error) {
	user, err := s.auth.CreateAccount(ctx, reg.Email, reg.Password, reg.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create account: %w", err)
	}
	if _, err := s.auth.CreateSession(ctx, reg.Email, reg.Password); err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	if user.Name == "" {
		user.Name = reg.Name
	}
	details, err := s.createDetails(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	user.Prefs.DetailsDocID = details.ID
	return user, details, nil
}

// RefreshUserDetails refetches the details document of the current user.
// It does not take the in-flight flag.
func (s *Session) RefreshUserDetails(ctx context.Context) error {
	st := s.state.Get()
	if st.CurrentUser == nil {
		return ErrNotAuthenticated
	}
	details, err := s.fetchDetails(ctx, st.CurrentUser)
	if err != nil {
		s.notify.Notify(NotifyError, "Failed to refresh user details")
		return err
	}
	s.setUser(st.CurrentUser, details)
	return nil
}

// ── Bootstrap chain ──

func (s *Session) bootstrap(ctx context.Context) error {
	user, details, err := s.load(ctx)
	if err != nil {
		s.end(unauthenticated)
		s.nav.Navigate(s.cfg.LoginRoute)
		return err
	}

	s.persist(user)
	s.setUser(user, details)
	s.end(authenticated)
	s.nav.Navigate(s.target())
	return nil
}

func (s *Session) load(ctx context.Context) (*Account, *UserDetails, error) {
	user := s.cachedAccount()
	if user == nil {
		acc, err := s.auth.GetAccount(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch account: %w", err)
		}
		user = acc
	}

	details, err := s.fetchDetails(ctx, user)
	if err != nil {
		glog.V(1).Infof("session: no details for %s, creating: %v", user.ID, err)
		if details, err = s.createDetails(ctx, user); err != nil {
			return nil, nil, err
		}
		user.Prefs.DetailsDocID = details.ID
	}

	if user.Name == "" {
		name := emailLocalPart(user.Email)
		acc, err := s.auth.UpdateName(ctx, name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to repair name: %w", err)
		}
		if acc.Prefs.DetailsDocID == "" {
			acc.Prefs.DetailsDocID = details.ID
		}
		user = acc
		if _, err := s.docs.UpdateDocument(ctx, s.cfg.DatabaseID, s.cfg.UsersCollection, details.ID, map[string]any{"name": name}); err != nil {
			return nil, nil, fmt.Errorf("failed to repair details name: %w", err)
		}
		details.Name = name
	}
	return user, details, nil
}

// cachedAccount returns the account stored by the last successful sequence,
// unless its token has expired.
func (s *Session) cachedAccount() *Account {
	var cached cachedSession
	ok, err := s.local.Get(localSessionKey, &cached)
	if err != nil {
		glog.Warningf("session: ignoring unreadable cached session: %v", err)
		return nil
	}
	if !ok || cached.Account.ID == "" {
		return nil
	}
	if tokenExpired(cached.Token, s.now()) {
		glog.V(1).Infof("session: cached session for %s expired", cached.Account.ID)
		return nil
	}
	if th, ok := s.auth.(tokenHolder); ok && cached.Token != "" && th.Token() == "" {
		th.SetToken(cached.Token)
	}
	acc := cached.Account
	return &acc
}

func (s *Session) persist(user *Account) {
	cached := cachedSession{Account: *user}
	if th, ok := s.auth.(tokenHolder); ok {
		cached.Token = th.Token()
	}
	if err := s.local.Set(localSessionKey, cached); err != nil {
		glog.Warningf("session: failed to cache session: %v", err)
	}
}

func (s *Session) fetchDetails(ctx context.Context, user *Account) (*UserDetails, error) {
	if user.Prefs.DetailsDocID != "" {
		doc, err := s.docs.GetDocument(ctx, s.cfg.DatabaseID, s.cfg.UsersCollection, user.Prefs.DetailsDocID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user details: %w", err)
		}
		var d UserDetails
		if err := doc.Decode(&d); err != nil {
			return nil, err
		}
		return &d, nil
	}

	docs, err := s.docs.ListDocuments(ctx, s.cfg.DatabaseID, s.cfg.UsersCollection, Eq("userID", user.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list user details: %w", err)
	}
	if len(docs) == 0 {
		return nil, errors.New("user details not found")
	}
	var d UserDetails
	if err := docs[0].Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Session) detailsFetcher(id string) Fetcher[UserDetails] {
	return func(ctx context.Context, _ string) (UserDetails, error) {
		var d UserDetails
		doc, err := s.docs.GetDocument(ctx, s.cfg.DatabaseID, s.cfg.UsersCollection, id)
		if err != nil {
			return d, fmt.Errorf("failed to fetch user details: %w", err)
		}
		err = doc.Decode(&d)
		return d, err
	}
}

func (s *Session) createDetails(ctx context.Context, user *Account) (*UserDetails, error) {
	doc, err := s.docs.CreateDocument(ctx, s.cfg.DatabaseID, s.cfg.UsersCollection, uuid.NewString(), map[string]any{
		"userID": user.ID,
		"name":   user.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user details: %w", err)
	}
	var d UserDetails
	if err := doc.Decode(&d); err != nil {
		return nil, err
	}
	if err := s.auth.UpdatePrefs(ctx, map[string]any{"detailsDocID": d.ID}); err != nil {
		return nil, fmt.Errorf("failed to store details id: %w", err)
	}
	return &d, nil
}

func (s *Session) joinGlobalChat(ctx context.Context, detailsID string) error {
	if s.cfg.GlobalChatID == "" {
		return nil
	}
	doc, err := s.docs.GetDocument(ctx, s.cfg.DatabaseID, s.cfg.GroupsCollection, s.cfg.GlobalChatID)
	if err != nil {
		return err
	}
	var group Conversation
	if err := doc.Decode(&group); err != nil {
		return err
	}
	members := make([]string, 0, len(group.Members)+1)
	for _, m := range group.Members {
		if m.ID == detailsID {
			return nil
		}
		members = append(members, m.ID)
	}
	members = append(members, detailsID)
	_, err = s.docs.UpdateDocument(ctx, s.cfg.DatabaseID, s.cfg.GroupsCollection, s.cfg.GlobalChatID, map[string]any{
		"members": members,
	})
	return err
}

// ── State helpers ──

// setUser publishes the user and mirrors the details cache entry into the
// session, so optimistic profile edits reach session subscribers.
func (s *Session) setUser(user *Account, details *UserDetails) {
	key := DetailsKey(details.ID)
	Prime(s.cache, key, *details, s.detailsFetcher(details.ID))

	s.mu.Lock()
	old := s.unsubDetails
	s.unsubDetails = Subscribe(s.cache, key, func(e Entry[UserDetails]) {
		if !e.HasData {
			return
		}
		d := e.Data
		s.state.Update(func(st SessionState) SessionState {
			if st.CurrentUserDetails != nil && st.CurrentUserDetails.ID == d.ID {
				st.CurrentUserDetails = &d
			}
			return st
		})
	})
	s.mu.Unlock()
	if old != nil {
		old()
	}

	s.state.Update(func(st SessionState) SessionState {
		st.CurrentUser = user
		st.CurrentUserDetails = details
		return st
	})
}

func (s *Session) dropDetailsMirror() {
	s.mu.Lock()
	unsub := s.unsubDetails
	s.unsubDetails = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Session) target() string {
	intended := s.Intended()
	if intended == s.cfg.LoginRoute || intended == s.cfg.RegisterRoute {
		return s.cfg.HomeRoute
	}
	return intended
}

func authenticated(st SessionState) SessionState {
	st.Phase = PhaseAuthenticated
	return st
}

func unauthenticated(st SessionState) SessionState {
	st.Phase = PhaseUnauthenticated
	return st
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func failureMessage(fallback string, err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
