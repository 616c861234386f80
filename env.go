package convex

import (
	"context"
	"sync"
)

// the transport that performs the actual query/mutation/subscription
// calls. `OnUpdate` opens a live channel for one query identity and
// returns an unsubscribe function that tears it down.
type RemoteQueryClient interface {
	Query(ctx context.Context, name string, args Value) (Value, error)
	Mutation(ctx context.Context, name string, args Value) (Value, error)
	OnUpdate(name string, args Value, onData func(Value), onError func(error)) func()
	SetSessionToken(token string)
}

// execution environment, chosen once at construction.
// the server render pass fetches once and never opens live channels.
// the interactive pass subscribes forever.
type ExecutionMode string

const (
	ModeServerRender ExecutionMode = "ServerRender"
	ModeInteractive  ExecutionMode = "Interactive"
)

// one query environment: mode, transport, auth, and the payload
// transfer for carrying server-resolved values into the interactive
// pass. an `Env` is scoped to one request on the server side.
type Env struct {
	ctx    context.Context
	cancel context.CancelFunc

	mode     ExecutionMode
	client   RemoteQueryClient
	auth     *authBridge
	transfer *PayloadTransfer
}

func NewServerEnv(ctx context.Context, client RemoteQueryClient, authProvider AuthProvider) *Env {
	return newEnv(ctx, ModeServerRender, client, authProvider)
}

func NewClientEnv(ctx context.Context, client RemoteQueryClient, authProvider AuthProvider) *Env {
	return newEnv(ctx, ModeInteractive, client, authProvider)
}

func newEnv(ctx context.Context, mode ExecutionMode, client RemoteQueryClient, authProvider AuthProvider) *Env {
	cancelCtx, cancel := context.WithCancel(ctx)
	serverMode := mode == ModeServerRender
	return &Env{
		ctx:      cancelCtx,
		cancel:   cancel,
		mode:     mode,
		client:   client,
		auth:     newAuthBridge(authProvider, client, serverMode),
		transfer: NewPayloadTransfer(serverMode),
	}
}

func (self *Env) Mode() ExecutionMode {
	return self.mode
}

func (self *Env) Client() RemoteQueryClient {
	return self.client
}

func (self *Env) Transfer() *PayloadTransfer {
	return self.transfer
}

func (self *Env) Mutation(ctx context.Context, name string, args Value) (Value, error) {
	value, err := self.client.Mutation(ctx, name, args)
	if err != nil {
		return nil, AsQueryError(err)
	}
	return value, nil
}

func (self *Env) Close() {
	self.cancel()
}

var defaultEnvLock sync.Mutex
var defaultEnv *Env

// must be called before any query construction that does not pass an
// explicit environment
func Setup(env *Env) {
	defaultEnvLock.Lock()
	defer defaultEnvLock.Unlock()

	defaultEnv = env
}

func DefaultEnv() *Env {
	defaultEnvLock.Lock()
	defer defaultEnvLock.Unlock()

	return defaultEnv
}

// missing setup is a programming contract violation. fail fast.
func requireDefaultEnv() *Env {
	env := DefaultEnv()
	if env == nil {
		panic("convex: Setup must be called before constructing queries")
	}
	return env
}
