package convex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testSubscription struct {
	token   string
	onData  func(Value)
	onError func(error)

	unsubCount int
}

// instrumented fake transport. records the order of subscribe and
// unsubscribe calls by query identity token.
type testClient struct {
	stateLock sync.Mutex

	calls []string
	subs  []*testSubscription

	queryFn    func(name string, args Value) (Value, error)
	queryCount int

	sessionToken string
}

func newTestClient() *testClient {
	return &testClient{
		calls: []string{},
		subs:  []*testSubscription{},
	}
}

func (self *testClient) Query(ctx context.Context, name string, args Value) (Value, error) {
	self.stateLock.Lock()
	self.queryCount += 1
	token, _ := QueryKey(name, args)
	self.calls = append(self.calls, "query "+token)
	queryFn := self.queryFn
	self.stateLock.Unlock()

	if queryFn == nil {
		return nil, NewQueryError("no query function")
	}
	return queryFn(name, args)
}

func (self *testClient) Mutation(ctx context.Context, name string, args Value) (Value, error) {
	return self.Query(ctx, name, args)
}

func (self *testClient) SetSessionToken(sessionToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sessionToken = sessionToken
	self.calls = append(self.calls, "set_session_token")
}

func (self *testClient) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessionToken
}

func (self *testClient) OnUpdate(name string, args Value, onData func(Value), onError func(error)) func() {
	token, _ := QueryKey(name, args)
	sub := &testSubscription{
		token:   token,
		onData:  onData,
		onError: onError,
	}

	self.stateLock.Lock()
	self.calls = append(self.calls, "subscribe "+token)
	self.subs = append(self.subs, sub)
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		sub.unsubCount += 1
		self.calls = append(self.calls, "unsubscribe "+token)
		for i, existing := range self.subs {
			if existing == sub {
				self.subs = append(self.subs[:i], self.subs[i+1:]...)
				break
			}
		}
		self.stateLock.Unlock()
	}
}

func (self *testClient) push(name string, args Value, value Value) int {
	token, _ := QueryKey(name, args)

	self.stateLock.Lock()
	subs := []*testSubscription{}
	for _, sub := range self.subs {
		if sub.token == token {
			subs = append(subs, sub)
		}
	}
	self.stateLock.Unlock()

	for _, sub := range subs {
		sub.onData(value)
	}
	return len(subs)
}

func (self *testClient) pushError(name string, args Value, err error) int {
	token, _ := QueryKey(name, args)

	self.stateLock.Lock()
	subs := []*testSubscription{}
	for _, sub := range self.subs {
		if sub.token == token {
			subs = append(subs, sub)
		}
	}
	self.stateLock.Unlock()

	for _, sub := range subs {
		sub.onError(err)
	}
	return len(subs)
}

func (self *testClient) callsSnapshot() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	calls := make([]string, len(self.calls))
	copy(calls, self.calls)
	return calls
}

func (self *testClient) subCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subs)
}

func waitFor(t *testing.T, message string, condition func() bool) {
	end := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(end) {
			t.Fatalf("timeout waiting for %s", message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientQueryUpdates(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	args := map[string]any{"done": false}
	query := env.Query(NewQueryRef("items.list", args), nil)
	defer query.Close()

	assert.Equal(t, query.IsLoading(), true)
	_, hasData := query.Data()
	assert.Equal(t, hasData, false)

	client.push("items.list", args, []any{map[string]any{"id": float64(1)}})

	data, hasData := query.Data()
	assert.Equal(t, hasData, true)
	assert.Equal(t, data, []any{map[string]any{"id": float64(1)}})
	assert.Equal(t, query.IsLoading(), false)
	assert.Equal(t, query.Err(), nil)

	// the suspense future holds the first resolution only
	value, err := query.Suspense().Await(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []any{map[string]any{"id": float64(1)}})

	client.push("items.list", args, []any{})
	data, hasData = query.Data()
	assert.Equal(t, hasData, true)
	assert.Equal(t, data, []any{})

	value, err = query.Suspense().Await(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, value, []any{map[string]any{"id": float64(1)}})

	// errored clears data, a later update clears the error
	client.pushError("items.list", args, NewQueryError("boom"))
	_, hasData = query.Data()
	assert.Equal(t, hasData, false)
	assert.NotEqual(t, query.Err(), nil)

	client.push("items.list", args, []any{map[string]any{"id": float64(2)}})
	_, hasData = query.Data()
	assert.Equal(t, hasData, true)
	assert.Equal(t, query.Err(), nil)
}

func TestClientQueryRebindOrder(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	ref1 := NewQueryRef("items.list", map[string]any{"done": false})
	ref2 := NewQueryRef("items.list", map[string]any{"done": true})
	token1, _ := ref1.Token()
	token2, _ := ref2.Token()

	query := env.Query(ref1, nil).(*clientQuery)
	defer query.Close()

	query.Bind(ref2, true)

	// the old handle is torn down before the new handle opens
	assert.Equal(t, client.callsSnapshot(), []string{
		"subscribe " + token1,
		"unsubscribe " + token1,
		"subscribe " + token2,
	})
}

func TestClientQueryStructuralRebindNoop(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	ref1 := NewQueryRef("items.list", map[string]any{"done": false, "limit": 10})
	query := env.Query(ref1, nil).(*clientQuery)
	defer query.Close()

	// reference-distinct but structurally equal arguments
	ref2 := NewQueryRef("items.list", map[string]any{"limit": 10, "done": false})
	query.Bind(ref2, true)

	token1, _ := ref1.Token()
	assert.Equal(t, client.callsSnapshot(), []string{
		"subscribe " + token1,
	})
}

func TestClientQueryIdentityChangeInvalidates(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	args1 := map[string]any{"done": false}
	args2 := map[string]any{"done": true}

	query := env.Query(NewQueryRef("items.list", args1), nil).(*clientQuery)
	defer query.Close()

	client.push("items.list", args1, "first")
	_, hasData := query.Data()
	assert.Equal(t, hasData, true)

	query.Bind(NewQueryRef("items.list", args2), true)

	// identity change restarts state
	_, hasData = query.Data()
	assert.Equal(t, hasData, false)
	assert.Equal(t, query.IsLoading(), true)

	// a late callback from the old identity must not clobber state
	client.push("items.list", args1, "stale")
	_, hasData = query.Data()
	assert.Equal(t, hasData, false)
}

func TestClientQueryDisabled(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	query := env.Query(NewQueryRef("items.list", nil), &QueryOptions{Enabled: false})
	defer query.Close()

	// a disabled unit never fetches and stays pending
	assert.Equal(t, client.callsSnapshot(), []string{})
	assert.Equal(t, query.IsLoading(), true)
}

func TestClientQueryCloseIdempotent(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	args := map[string]any{"done": false}
	query := env.Query(NewQueryRef("items.list", args), nil)

	query.Close()
	query.Close()

	token, _ := QueryKey("items.list", args)
	assert.Equal(t, client.callsSnapshot(), []string{
		"subscribe " + token,
		"unsubscribe " + token,
	})

	// an unsettled suspense future is completed on close
	_, err := query.Suspense().Await(context.Background())
	assert.Equal(t, err, ErrClosed)
}

func TestServerQueryFetchOnce(t *testing.T) {
	client := newTestClient()
	client.queryFn = func(name string, args Value) (Value, error) {
		return map[string]any{"n": float64(1)}, nil
	}
	env := NewServerEnv(context.Background(), client, nil)
	defer env.Close()

	args := map[string]any{"id": float64(7)}
	query := env.Query(NewQueryRef("users.get", args), nil)
	defer query.Close()

	value, err := query.Suspense().Await(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, value, map[string]any{"n": float64(1)})

	// exactly one request, no live channel
	assert.Equal(t, client.queryCount, 1)
	assert.Equal(t, client.subCount(), 0)

	// the resolved value is staged for the interactive pass
	key, _ := QueryKey("users.get", args)
	transported, err := env.Transfer().SerializeAll()
	assert.Equal(t, err, nil)

	clientTransfer := NewPayloadTransfer(false)
	clientTransfer.LoadSerialized(transported)
	staged, ok := clientTransfer.GetClientValue(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, staged, map[string]any{"n": float64(1)})
}

func TestServerQueryError(t *testing.T) {
	client := newTestClient()
	client.queryFn = func(name string, args Value) (Value, error) {
		return nil, fmt.Errorf("backend unavailable")
	}
	env := NewServerEnv(context.Background(), client, nil)
	defer env.Close()

	query := env.Query(NewQueryRef("users.get", nil), nil)
	defer query.Close()

	_, err := query.Suspense().Await(context.Background())
	assert.NotEqual(t, err, nil)
	// failures are normalized
	queryErr := AsQueryError(err)
	assert.Equal(t, queryErr.Message, "backend unavailable")

	waitFor(t, "errored state", func() bool {
		return query.Err() != nil
	})
	assert.Equal(t, query.IsLoading(), false)
}

func TestServerQueryDisabled(t *testing.T) {
	client := newTestClient()
	env := NewServerEnv(context.Background(), client, nil)
	defer env.Close()

	query := env.Query(NewQueryRef("users.get", nil), &QueryOptions{Enabled: false})
	defer query.Close()

	assert.Equal(t, client.queryCount, 0)
	assert.Equal(t, query.IsLoading(), true)
}

func TestServerQueryAuthOrdering(t *testing.T) {
	provider := newTestAuthProvider()
	provider.authenticated = true
	provider.token = "token-1"

	client := newTestClient()
	client.queryFn = func(name string, args Value) (Value, error) {
		return "ok", nil
	}
	env := NewServerEnv(context.Background(), client, provider)
	defer env.Close()

	query := env.Query(NewQueryRef("users.get", nil), nil)
	defer query.Close()

	_, err := query.Suspense().Await(context.Background())
	assert.Equal(t, err, nil)

	// the session token is forwarded before the fetch
	token, _ := QueryKey("users.get", nil)
	assert.Equal(t, client.callsSnapshot(), []string{
		"set_session_token",
		"query " + token,
	})
	assert.Equal(t, client.SessionToken(), "token-1")
}

func TestClientQueryHydration(t *testing.T) {
	// server render pass
	serverClient := newTestClient()
	serverClient.queryFn = func(name string, args Value) (Value, error) {
		return []any{map[string]any{"id": float64(1)}}, nil
	}
	serverEnv := NewServerEnv(context.Background(), serverClient, nil)
	defer serverEnv.Close()

	args := map[string]any{"done": false}
	ref := NewQueryRef("items.list", args)

	serverQuery := serverEnv.Query(ref, nil)
	_, err := serverQuery.Suspense().Await(context.Background())
	assert.Equal(t, err, nil)

	transported, err := serverEnv.Transfer().SerializeAll()
	assert.Equal(t, err, nil)

	// interactive pass resumes from the transported snapshot
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()
	env.Transfer().LoadSerialized(transported)

	query := env.Query(ref, nil)
	defer query.Close()

	// data is available immediately, before any live update
	data, hasData := query.Data()
	assert.Equal(t, hasData, true)
	assert.Equal(t, data, []any{map[string]any{"id": float64(1)}})
	assert.Equal(t, query.Suspense().Settled(), true)

	// no one-shot fetch happened, only the live channel opened
	assert.Equal(t, client.queryCount, 0)
	assert.Equal(t, client.subCount(), 1)

	// live updates still flow
	client.push("items.list", args, []any{})
	data, _ = query.Data()
	assert.Equal(t, data, []any{})
}

func TestClientQueryChangeCallback(t *testing.T) {
	client := newTestClient()
	env := NewClientEnv(context.Background(), client, nil)
	defer env.Close()

	args := map[string]any{"done": false}
	query := env.Query(NewQueryRef("items.list", args), nil)
	defer query.Close()

	changes := 0
	unsub := query.AddChangeCallback(func() {
		changes += 1
	})

	client.push("items.list", args, "a")
	assert.Equal(t, changes, 1)

	client.push("items.list", args, "b")
	assert.Equal(t, changes, 2)

	unsub()
	client.push("items.list", args, "c")
	assert.Equal(t, changes, 2)
}
