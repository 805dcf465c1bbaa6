package vchat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ============================================================================
// Test Helpers
// ============================================================================

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// fakeDocs is an in-memory DocumentStore. Writes can be made to fail or to
// block until a gate is opened.
type fakeDocs struct {
	mu    sync.Mutex
	docs  map[string]map[string]Document
	calls map[string]int
	fail  map[string]error
	gates map[string]chan struct{}
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:  make(map[string]map[string]Document),
		calls: make(map[string]int),
		fail:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (f *fakeDocs) put(collection, id string, fields map[string]any) Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putLocked(collection, id, fields)
}

func (f *fakeDocs) putLocked(collection, id string, fields map[string]any) Document {
	if f.docs[collection] == nil {
		f.docs[collection] = make(map[string]Document)
	}
	d := Document{
		ID:           id,
		CollectionID: collection,
		DatabaseID:   "main",
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Fields:       copyFields(fields),
	}
	f.docs[collection][id] = d
	return d
}

func (f *fakeDocs) doc(collection, id string) (Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[collection][id]
	if ok {
		d.Fields = copyFields(d.Fields)
	}
	return d, ok
}

func (f *fakeDocs) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeDocs) setFail(op string, err error) {
	f.mu.Lock()
	f.fail[op] = err
	f.mu.Unlock()
}

// hold makes op block until the returned function is called.
func (f *fakeDocs) hold(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeDocs) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	err := f.fail[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeDocs) CreateDocument(ctx context.Context, db, collection, id string, fields map[string]any) (*Document, error) {
	if err := f.enter(ctx, "create"); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	d := f.put(collection, id, fields)
	return &d, nil
}

func (f *fakeDocs) GetDocument(ctx context.Context, db, collection, id string) (*Document, error) {
	if err := f.enter(ctx, "get"); err != nil {
		return nil, err
	}
	d, ok := f.doc(collection, id)
	if !ok {
		return nil, &APIError{Status: 404, Type: "document_not_found", Message: "Document not found"}
	}
	return &d, nil
}

func (f *fakeDocs) UpdateDocument(ctx context.Context, db, collection, id string, fields map[string]any) (*Document, error) {
	if err := f.enter(ctx, "update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[collection][id]
	if !ok {
		return nil, &APIError{Status: 404, Type: "document_not_found", Message: "Document not found"}
	}
	d.Fields = copyFields(d.Fields)
	for k, v := range fields {
		d.Fields[k] = v
	}
	d.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	f.docs[collection][id] = d
	out := d
	out.Fields = copyFields(d.Fields)
	return &out, nil
}

func (f *fakeDocs) DeleteDocument(ctx context.Context, db, collection, id string) error {
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[collection][id]; !ok {
		return &APIError{Status: 404, Type: "document_not_found", Message: "Document not found"}
	}
	delete(f.docs[collection], id)
	return nil
}

func (f *fakeDocs) ListDocuments(ctx context.Context, db, collection string, filters ...Filter) ([]Document, error) {
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Document
	for _, d := range f.docs[collection] {
		if matches(d, filters) {
			c := d
			c.Fields = copyFields(d.Fields)
			out = append(out, c)
		}
	}
	sortDocuments(out)
	return out, nil
}

func matches(d Document, filters []Filter) bool {
	for _, flt := range filters {
		switch v := d.Fields[flt.Field].(type) {
		case string:
			if v != flt.Value {
				return false
			}
		case []string:
			if !contains(v, flt.Value) {
				return false
			}
		case []any:
			found := false
			for _, item := range v {
				if s, ok := item.(string); ok && s == flt.Value {
					found = true
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func sortDocuments(docs []Document) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j].ID < docs[j-1].ID; j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

// fakeAuth is an in-memory SessionProvider issuing JWT session tokens.
type fakeAuth struct {
	mu       sync.Mutex
	accounts map[string]*Account // by email
	password map[string]string
	current  *Account
	token    string
	calls    map[string]int
	gate     chan struct{}
	tokenTTL time.Duration
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		accounts: make(map[string]*Account),
		password: make(map[string]string),
		calls:    make(map[string]int),
		tokenTTL: time.Hour,
	}
}

func (f *fakeAuth) addAccount(acc Account, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := acc
	f.accounts[acc.Email] = &a
	f.password[acc.Email] = password
}

// signIn marks acc as the account of the current remote session.
func (f *fakeAuth) signIn(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.accounts[email]
	f.token = issueToken(f.current.ID, f.tokenTTL)
}

func (f *fakeAuth) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAuth) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeAuth) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAuth) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func issueToken(subject string, ttl time.Duration) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return s
}

func (f *fakeAuth) GetAccount(ctx context.Context) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["getAccount"]++
	if f.current == nil {
		return nil, &APIError{Status: 401, Type: "general_unauthorized_scope", Message: "User (role: guests) missing scope (account)"}
	}
	a := *f.current
	return &a, nil
}

func (f *fakeAuth) CreateSession(ctx context.Context, email, password string) (*AuthSession, error) {
	f.mu.Lock()
	f.calls["createSession"]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[email]
	if !ok || f.password[email] != password {
		return nil, &APIError{Status: 401, Type: "user_invalid_credentials", Message: "Invalid credentials"}
	}
	f.current = acc
	f.token = issueToken(acc.ID, f.tokenTTL)
	return &AuthSession{ID: uuid.NewString(), UserID: acc.ID, Secret: f.token}, nil
}

func (f *fakeAuth) CreateAccount(ctx context.Context, email, password, name string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["createAccount"]++
	if _, ok := f.accounts[email]; ok {
		return nil, &APIError{Status: 409, Type: "user_already_exists", Message: "A user with the same email already exists"}
	}
	acc := &Account{ID: uuid.NewString(), Email: email, Name: name}
	f.accounts[email] = acc
	f.password[email] = password
	a := *acc
	return &a, nil
}

func (f *fakeAuth) UpdatePrefs(ctx context.Context, prefs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["updatePrefs"]++
	if f.current == nil {
		return fmt.Errorf("no session")
	}
	if id, ok := prefs["detailsDocID"].(string); ok {
		f.current.Prefs.DetailsDocID = id
	}
	return nil
}

func (f *fakeAuth) UpdateName(ctx context.Context, name string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["updateName"]++
	if f.current == nil {
		return nil, fmt.Errorf("no session")
	}
	f.current.Name = name
	a := *f.current
	return &a, nil
}

func (f *fakeAuth) DeleteSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["deleteSession"]++
	f.current = nil
	f.token = ""
	return nil
}

// recorder collects notifications and navigations.
type recorder struct {
	mu            sync.Mutex
	notifications []Notification
	routes        []string
}

func (r *recorder) Notify(kind NotificationKind, message string) {
	r.mu.Lock()
	r.notifications = append(r.notifications, Notification{Kind: kind, Message: message})
	r.mu.Unlock()
}

func (r *recorder) Navigate(path string) {
	r.mu.Lock()
	r.routes = append(r.routes, path)
	r.mu.Unlock()
}

func (r *recorder) notified() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification{}, r.notifications...)
}

func (r *recorder) lastRoute() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.routes) == 0 {
		return ""
	}
	return r.routes[len(r.routes)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// testEnv wires an engine to in-memory collaborators.
type testEnv struct {
	engine *Engine
	docs   *fakeDocs
	auth   *fakeAuth
	local  *MemoryKV
	rec    *recorder
}

func newTestEnv() *testEnv {
	env := &testEnv{
		docs:  newFakeDocs(),
		auth:  newFakeAuth(),
		local: NewMemoryKV(),
		rec:   &recorder{},
	}
	env.engine = NewEngine(EngineConfig{GlobalChatID: "global"}, Backend{
		Documents: env.docs,
		Sessions:  env.auth,
		Local:     env.local,
		Navigator: env.rec,
		Notifier:  env.rec,
	})
	return env
}

// signInAnn signs in account u1 whose details document is d1.
func (env *testEnv) signInAnn(t *testing.T) {
	t.Helper()
	env.auth.addAccount(Account{ID: "u1", Email: "ann@example.com", Name: "Ann", Prefs: AccountPrefs{DetailsDocID: "d1"}}, "secret")
	env.docs.put("users", "d1", map[string]any{"userID": "u1", "name": "Ann"})
	env.auth.signIn("ann@example.com")

	ctx, cancel := testContext()
	defer cancel()
	if err := env.engine.Bootstrap(ctx).Wait(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
}

func testBg() context.Context {
	return context.Background()
}
