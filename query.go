package convex

import (
	"sync"

	"github.com/golang/glog"
)

// state shared by both unit variants:
// pending is exactly (no data, no error). resolved clears the error,
// errored clears the data. a unit may oscillate between resolved and
// errored, but never holds both.
type QueryOptions struct {
	// a disabled unit never fetches and stays pending
	Enabled bool
}

func DefaultQueryOptions() *QueryOptions {
	return &QueryOptions{
		Enabled: true,
	}
}

// one live view over one backend query.
// `Suspense` returns the first-resolution future: it settles exactly
// once, with the first resolved value or the first error. callers that
// need later resolutions use `Data`/`Err` plus a change callback.
type QueryHandle interface {
	Data() (Value, bool)
	Err() error
	IsLoading() bool
	Suspense() *Future[Value]
	AddChangeCallback(changeCallback func()) func()
	Close()
}

// constructs the unit variant for this environment's execution mode
func (self *Env) Query(ref QueryRef, options *QueryOptions) QueryHandle {
	if options == nil {
		options = DefaultQueryOptions()
	}
	switch self.mode {
	case ModeServerRender:
		return newServerQuery(self, ref, options)
	default:
		return newClientQuery(self, ref, options)
	}
}

// uses the environment installed with `Setup`
func NewQuery(ref QueryRef, options *QueryOptions) QueryHandle {
	return requireDefaultEnv().Query(ref, options)
}

// fetch-once unit for the server render pass.
// never opens a live channel. the resolved value is stashed into the
// payload transfer for pickup by the interactive pass.
type serverQuery struct {
	env *Env
	ref QueryRef

	queryState *queryState
}

func newServerQuery(env *Env, ref QueryRef, options *QueryOptions) *serverQuery {
	query := &serverQuery{
		env:        env,
		ref:        ref,
		queryState: newQueryState(),
	}
	if options.Enabled {
		go query.fetch()
	}
	// disabled: stays pending by design
	return query
}

func (self *serverQuery) fetch() {
	key, err := self.ref.Token()
	if err != nil {
		self.queryState.fail(AsQueryError(err))
		return
	}

	_, err = self.env.auth.ensureTokenReady(self.env.ctx)
	if err != nil {
		self.queryState.fail(AsQueryError(err))
		return
	}

	value, err := self.env.client.Query(self.env.ctx, self.ref.Name, self.ref.Args)
	if err != nil {
		self.queryState.fail(AsQueryError(err))
		return
	}

	self.env.transfer.SetServerValue(key, value)
	self.queryState.resolve(value)
}

func (self *serverQuery) Data() (Value, bool) {
	return self.queryState.Data()
}

func (self *serverQuery) Err() error {
	return self.queryState.Err()
}

func (self *serverQuery) IsLoading() bool {
	return self.queryState.IsLoading()
}

func (self *serverQuery) Suspense() *Future[Value] {
	return self.queryState.first
}

func (self *serverQuery) AddChangeCallback(changeCallback func()) func() {
	return self.queryState.AddChangeCallback(changeCallback)
}

func (self *serverQuery) Close() {
	self.queryState.close()
}

// subscribe-forever unit for the interactive pass.
// at most one open handle at a time, keyed by (identity, enabled).
// rebinding tears the old handle down synchronously before the new one
// opens, so a stale handle can never clobber fresher state.
type clientQuery struct {
	env *Env

	queryState *queryState

	bindLock sync.Mutex

	ref         QueryRef
	enabled     bool
	bound       bool
	boundToken  string
	bindVersion uint64
	unsubscribe func()
	closed      bool
}

func newClientQuery(env *Env, ref QueryRef, options *QueryOptions) *clientQuery {
	query := &clientQuery{
		env:        env,
		queryState: newQueryState(),
	}
	query.Bind(ref, options.Enabled)
	return query
}

// rebind trigger. a no-op when the identity is structurally unchanged
// and the enabled flag is the same - reference changes without
// structural change never restart the subscription.
func (self *clientQuery) Bind(ref QueryRef, enabled bool) {
	token, err := ref.Token()
	if err != nil {
		self.queryState.fail(AsQueryError(err))
		return
	}

	self.bindLock.Lock()
	if self.closed {
		self.bindLock.Unlock()
		return
	}
	if self.bound && self.boundToken == token && self.enabled == enabled {
		self.bindLock.Unlock()
		return
	}

	identityChanged := self.bound && self.boundToken != token
	previousToken := self.boundToken

	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.bindVersion += 1
	version := self.bindVersion
	self.ref = ref
	self.enabled = enabled
	self.bound = true
	self.boundToken = token
	self.bindLock.Unlock()

	// teardown completes before any new handle opens
	if unsubscribe != nil {
		glog.V(2).Infof("[query]unbind %s\n", previousToken)
		unsubscribe()
	}
	if identityChanged {
		self.queryState.invalidate()
	}

	if !enabled {
		return
	}

	// seed from the server render pass before opening the live channel,
	// so the first paint has data without a duplicate fetch
	if value, ok := self.env.transfer.GetClientValue(token); ok {
		self.queryState.resolve(value)
	}

	glog.V(2).Infof("[query]bind %s\n", token)
	unsubscribe = self.env.client.OnUpdate(
		ref.Name,
		ref.Args,
		func(value Value) {
			self.update(version, value)
		},
		func(err error) {
			self.updateError(version, err)
		},
	)

	self.bindLock.Lock()
	if self.closed || self.bindVersion != version {
		// a newer bind or a close raced this one
		self.bindLock.Unlock()
		unsubscribe()
		return
	}
	self.unsubscribe = unsubscribe
	self.bindLock.Unlock()
}

func (self *clientQuery) update(version uint64, value Value) {
	if self.stale(version) {
		return
	}
	self.queryState.resolve(value)
}

func (self *clientQuery) updateError(version uint64, err error) {
	if self.stale(version) {
		return
	}
	self.queryState.fail(AsQueryError(err))
}

func (self *clientQuery) stale(version uint64) bool {
	self.bindLock.Lock()
	defer self.bindLock.Unlock()

	return self.closed || self.bindVersion != version
}

func (self *clientQuery) Data() (Value, bool) {
	return self.queryState.Data()
}

func (self *clientQuery) Err() error {
	return self.queryState.Err()
}

func (self *clientQuery) IsLoading() bool {
	return self.queryState.IsLoading()
}

func (self *clientQuery) Suspense() *Future[Value] {
	return self.queryState.first
}

func (self *clientQuery) AddChangeCallback(changeCallback func()) func() {
	return self.queryState.AddChangeCallback(changeCallback)
}

// idempotent
func (self *clientQuery) Close() {
	self.bindLock.Lock()
	if self.closed {
		self.bindLock.Unlock()
		return
	}
	self.closed = true
	self.bindVersion += 1
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.bindLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	self.queryState.close()
}

// resolution tri-state plus the first-resolution future,
// shared by both unit variants
type queryState struct {
	stateLock sync.Mutex

	data    Value
	hasData bool
	err     error

	first *Future[Value]

	changeCallbacks *CallbackList[func()]
}

func newQueryState() *queryState {
	return &queryState{
		first:           NewFuture[Value](),
		changeCallbacks: NewCallbackList[func()](),
	}
}

func (self *queryState) resolve(value Value) {
	self.stateLock.Lock()
	self.data = value
	self.hasData = true
	self.err = nil
	self.stateLock.Unlock()

	self.first.Complete(value)
	self.event()
}

func (self *queryState) fail(err error) {
	self.stateLock.Lock()
	self.data = nil
	self.hasData = false
	self.err = err
	self.stateLock.Unlock()

	self.first.Fail(err)
	self.event()
}

// back to pending without settling the future
func (self *queryState) invalidate() {
	self.stateLock.Lock()
	self.data = nil
	self.hasData = false
	self.err = nil
	self.stateLock.Unlock()

	self.event()
}

// an unsettled future is completed with `ErrClosed` so that waiters
// unblock instead of hanging across disposal
func (self *queryState) close() {
	self.first.Fail(ErrClosed)
}

func (self *queryState) Data() (Value, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.data, self.hasData
}

func (self *queryState) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

func (self *queryState) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return !self.hasData && self.err == nil
}

func (self *queryState) AddChangeCallback(changeCallback func()) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *queryState) event() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(changeCallback)
	}
}
