package convex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type PaginationStatus string

const (
	// page 0 requested, nothing resolved yet
	PaginationStatusLoadingFirst PaginationStatus = "LoadingFirstPage"
	// page 0 resolved; zero or more later pages loaded
	PaginationStatusReady PaginationStatus = "Ready"
	// an additional page requested while ready
	PaginationStatusLoadingMore PaginationStatus = "LoadingMore"
	// a page failed with a non-recoverable error
	PaginationStatusErrored PaginationStatus = "Errored"
)

type PaginatedQueryOptions struct {
	// items requested per page
	PageSize int
}

func DefaultPaginatedQueryOptions() *PaginatedQueryOptions {
	return &PaginatedQueryOptions{
		PageSize: 32,
	}
}

// one page result as returned by a paginated backend query
type PageResult struct {
	Page           []Value `json:"page"`
	ContinueCursor string  `json:"continueCursor"`
	IsDone         bool    `json:"isDone"`
}

type pageSlot struct {
	// nil for page 0
	cursor      *string
	unsubscribe func()
	result      *PageResult
	resolved    bool
}

// composes one subscription slot per page into a single ordered,
// deduplicated view. page i always subscribes with page i-1's continue
// cursor; pages are never requested speculatively out of order.
//
// recoverable pagination errors (cursor invalidated by a concurrent
// write, result set too large, read limit exceeded) trigger an
// automatic reset and refetch. other errors surface and stay until the
// caller calls `Reset`.
type PaginatedQuery struct {
	ctx    context.Context
	cancel context.CancelFunc

	env *Env

	pageSize int

	log LogFunction

	stateLock sync.Mutex

	name      string
	args      Value
	argsToken string

	pages        []*pageSlot
	status       PaginationStatus
	err          error
	loadingIndex int
	bindVersion  uint64
	closed       bool

	first *Future[[]Value]

	changeCallbacks *CallbackList[func()]
}

func (self *Env) PaginatedQuery(name string, args Value, options *PaginatedQueryOptions) *PaginatedQuery {
	if options == nil {
		options = DefaultPaginatedQueryOptions()
	}
	argsToken, _ := CanonicalString(args)
	cancelCtx, cancel := context.WithCancel(self.ctx)
	query := &PaginatedQuery{
		ctx:             cancelCtx,
		cancel:          cancel,
		env:             self,
		pageSize:        options.PageSize,
		log:             LogFn(LogLevelDebug, "[page]"+name),
		name:            name,
		args:            args,
		argsToken:       argsToken,
		pages:           []*pageSlot{},
		status:          PaginationStatusLoadingFirst,
		loadingIndex:    -1,
		first:           NewFuture[[]Value](),
		changeCallbacks: NewCallbackList[func()](),
	}
	query.startFirstPage(query.bindVersion)
	return query
}

// uses the environment installed with `Setup`
func NewPaginatedQuery(name string, args Value, options *PaginatedQueryOptions) *PaginatedQuery {
	return requireDefaultEnv().PaginatedQuery(name, args, options)
}

// pagination arguments are managed by the engine and excluded from the
// caller-visible argument identity
func (self *PaginatedQuery) pageArgs(cursor *string) (Value, error) {
	canonical, err := Canonicalize(self.args)
	if err != nil {
		return nil, err
	}
	args := map[string]Value{}
	if canonicalMap, ok := canonical.(map[string]Value); ok {
		for key, value := range canonicalMap {
			args[key] = value
		}
	}
	paginationOpts := map[string]Value{
		"numItems": self.pageSize,
	}
	if cursor != nil {
		paginationOpts["cursor"] = *cursor
	} else {
		paginationOpts["cursor"] = nil
	}
	args["paginationOpts"] = paginationOpts
	return args, nil
}

func (self *PaginatedQuery) startFirstPage(version uint64) {
	self.stateLock.Lock()
	if self.closed || self.bindVersion != version {
		self.stateLock.Unlock()
		return
	}
	self.pages = append(self.pages, &pageSlot{})
	self.loadingIndex = 0
	self.status = PaginationStatusLoadingFirst
	self.stateLock.Unlock()

	if self.env.mode == ModeServerRender {
		go self.fetchServerPage(version)
		return
	}

	// seed page 0 from the server render pass when available
	args, err := self.pageArgs(nil)
	if err != nil {
		self.failPage(version, 0, err)
		return
	}
	if key, err := QueryKey(self.name, args); err == nil {
		if value, ok := self.env.transfer.GetClientValue(key); ok {
			self.updatePage(version, 0, value)
		}
	}

	self.openPage(0, nil, version)
}

// the one-shot render pass fetches page 0 only. further pagination
// needs a round trip the render pass does not have.
func (self *PaginatedQuery) fetchServerPage(version uint64) {
	args, err := self.pageArgs(nil)
	if err != nil {
		self.failPage(version, 0, err)
		return
	}

	_, err = self.env.auth.ensureTokenReady(self.ctx)
	if err != nil {
		self.failPage(version, 0, err)
		return
	}

	value, err := self.env.client.Query(self.ctx, self.name, args)
	if err != nil {
		self.failPage(version, 0, err)
		return
	}

	if key, err := QueryKey(self.name, args); err == nil {
		self.env.transfer.SetServerValue(key, value)
	}
	self.updatePage(version, 0, value)
}

// opens the live handle for one page slot. called without the state
// lock because the client may dispatch the first update synchronously.
func (self *PaginatedQuery) openPage(index int, cursor *string, version uint64) {
	args, err := self.pageArgs(cursor)
	if err != nil {
		self.failPage(version, index, err)
		return
	}

	pageLog := SubLogFn(LogLevelDebug, self.log, fmt.Sprintf("page %d", index))
	pageLog("bind")
	unsubscribe := self.env.client.OnUpdate(
		self.name,
		args,
		func(value Value) {
			self.updatePage(version, index, value)
		},
		func(err error) {
			self.pageError(version, index, err)
		},
	)

	self.stateLock.Lock()
	if self.closed || self.bindVersion != version || len(self.pages) <= index {
		self.stateLock.Unlock()
		pageLog("stale bind, teardown")
		unsubscribe()
		return
	}
	self.pages[index].unsubscribe = unsubscribe
	self.stateLock.Unlock()
}

func (self *PaginatedQuery) updatePage(version uint64, index int, value Value) {
	pageResult, err := decodePageResult(value)
	if err != nil {
		self.failPage(version, index, err)
		return
	}

	self.stateLock.Lock()
	if self.closed || self.bindVersion != version || len(self.pages) <= index {
		self.stateLock.Unlock()
		return
	}
	slot := self.pages[index]
	slot.result = pageResult
	slot.resolved = true
	self.err = nil
	if self.loadingIndex == index {
		self.loadingIndex = -1
	}
	if self.loadingIndex < 0 {
		self.status = PaginationStatusReady
	}
	results := self.resultsLocked()
	self.stateLock.Unlock()

	self.log("page %d resolved with %d items", index, len(pageResult.Page))
	self.first.Complete(results)
	self.event()
}

func (self *PaginatedQuery) pageError(version uint64, index int, err error) {
	if IsRecoverablePaginationError(err) {
		// surface transiently, then recover with a full reset
		glog.V(2).Infof("[page]%s recoverable error at page %d = %s\n", self.name, index, err)
		self.stateLock.Lock()
		if self.closed || self.bindVersion != version {
			self.stateLock.Unlock()
			return
		}
		self.err = AsQueryError(err)
		self.stateLock.Unlock()
		self.event()

		self.Reset()
		return
	}
	self.failPage(version, index, err)
}

func (self *PaginatedQuery) failPage(version uint64, index int, err error) {
	self.stateLock.Lock()
	if self.closed || self.bindVersion != version {
		self.stateLock.Unlock()
		return
	}
	self.err = AsQueryError(err)
	self.status = PaginationStatusErrored
	if self.loadingIndex == index {
		self.loadingIndex = -1
	}
	self.stateLock.Unlock()

	self.first.Fail(AsQueryError(err))
	self.event()
}

// requests the next page using the previous page's continue cursor.
// a no-op while another load is in flight, before the first page has
// resolved, after the result set is done, and always on the server
// render pass.
func (self *PaginatedQuery) LoadMore() {
	if self.env.mode == ModeServerRender {
		return
	}

	self.stateLock.Lock()
	if self.closed || self.status == PaginationStatusErrored {
		self.stateLock.Unlock()
		return
	}
	if self.loadingIndex >= 0 {
		// coalesce concurrent load-more calls
		self.stateLock.Unlock()
		return
	}
	if len(self.pages) == 0 {
		self.stateLock.Unlock()
		return
	}
	lastSlot := self.pages[len(self.pages)-1]
	if !lastSlot.resolved || lastSlot.result.IsDone {
		self.stateLock.Unlock()
		return
	}
	cursor := lastSlot.result.ContinueCursor
	index := len(self.pages)
	self.pages = append(self.pages, &pageSlot{
		cursor: &cursor,
	})
	self.loadingIndex = index
	self.status = PaginationStatusLoadingMore
	version := self.bindVersion
	self.stateLock.Unlock()

	self.event()
	self.openPage(index, &cursor, version)
}

// tears down every open page subscription, clears all pages, and
// reloads page 0 from scratch after the teardown completes
func (self *PaginatedQuery) Reset() {
	version, unsubscribes, ok := self.teardown(PaginationStatusLoadingFirst)
	if !ok {
		return
	}
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.event()
	// reload on the next scheduling opportunity
	go self.startFirstPage(version)
}

// the engine watches the backend function identity and the
// cursor-free argument value; a structural change on either resets
// and refetches. reference-only changes are no-ops.
func (self *PaginatedQuery) Rebind(name string, args Value) {
	argsToken, _ := CanonicalString(args)

	self.stateLock.Lock()
	if self.closed || (self.name == name && self.argsToken == argsToken) {
		self.stateLock.Unlock()
		return
	}
	self.name = name
	self.args = args
	self.argsToken = argsToken
	self.stateLock.Unlock()

	self.Reset()
}

func (self *PaginatedQuery) teardown(nextStatus PaginationStatus) (uint64, []func(), bool) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return 0, nil, false
	}
	self.bindVersion += 1
	version := self.bindVersion
	unsubscribes := []func(){}
	for _, slot := range self.pages {
		if slot.unsubscribe != nil {
			unsubscribes = append(unsubscribes, slot.unsubscribe)
			slot.unsubscribe = nil
		}
	}
	self.pages = []*pageSlot{}
	self.loadingIndex = -1
	self.err = nil
	self.status = nextStatus
	self.stateLock.Unlock()

	return version, unsubscribes, true
}

// reset without refetch. idempotent.
func (self *PaginatedQuery) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.bindVersion += 1
	unsubscribes := []func(){}
	for _, slot := range self.pages {
		if slot.unsubscribe != nil {
			unsubscribes = append(unsubscribes, slot.unsubscribe)
			slot.unsubscribe = nil
		}
	}
	self.pages = []*pageSlot{}
	self.loadingIndex = -1
	self.stateLock.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
	self.first.Fail(ErrClosed)
}

// concatenation of every currently-populated page in index order.
// not-yet-loaded slots are skipped rather than producing holes.
func (self *PaginatedQuery) Results() []Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.resultsLocked()
}

func (self *PaginatedQuery) resultsLocked() []Value {
	results := []Value{}
	for _, slot := range self.pages {
		if slot.resolved {
			results = append(results, slot.result.Page...)
		}
	}
	return results
}

func (self *PaginatedQuery) Pages() [][]Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pages := [][]Value{}
	for _, slot := range self.pages {
		if slot.resolved {
			pages = append(pages, slot.result.Page)
		}
	}
	return pages
}

func (self *PaginatedQuery) LastPage() []Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i := len(self.pages) - 1; i >= 0; i -= 1 {
		if self.pages[i].resolved {
			return self.pages[i].result.Page
		}
	}
	return nil
}

// the done flag of the highest-index populated page
func (self *PaginatedQuery) IsDone() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i := len(self.pages) - 1; i >= 0; i -= 1 {
		if self.pages[i].resolved {
			return self.pages[i].result.IsDone
		}
	}
	return false
}

func (self *PaginatedQuery) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status == PaginationStatusLoadingFirst
}

// true only while a load-more is in flight and at least one page is
// already populated, distinguishing incremental from initial load
func (self *PaginatedQuery) IsLoadingMore() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.status != PaginationStatusLoadingMore {
		return false
	}
	for _, slot := range self.pages {
		if slot.resolved {
			return true
		}
	}
	return false
}

func (self *PaginatedQuery) Status() PaginationStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

func (self *PaginatedQuery) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

func (self *PaginatedQuery) Suspense() *Future[[]Value] {
	return self.first
}

func (self *PaginatedQuery) AddChangeCallback(changeCallback func()) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *PaginatedQuery) event() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(changeCallback)
	}
}

func decodePageResult(value Value) (*PageResult, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	pageResult := &PageResult{}
	err = json.Unmarshal(valueJson, pageResult)
	if err != nil {
		return nil, err
	}
	return pageResult, nil
}
