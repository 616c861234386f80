package convex

import (
	"context"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// normalized shape for an arbitrary external auth system
type AuthProvider interface {
	IsAuthenticated() bool
	IsLoading() bool
	// called on any auth state change. returns an unsubscribe function.
	AddChangeCallback(changeCallback func()) func()
	// fetches the current token. `forceRefresh` bypasses any cache.
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// always-ready provider with a fixed token.
// an empty token means unauthenticated.
type StaticTokenAuth struct {
	token string
}

func NewStaticTokenAuth(token string) *StaticTokenAuth {
	return &StaticTokenAuth{
		token: token,
	}
}

func (self *StaticTokenAuth) IsAuthenticated() bool {
	return self.token != ""
}

func (self *StaticTokenAuth) IsLoading() bool {
	return false
}

func (self *StaticTokenAuth) AddChangeCallback(changeCallback func()) func() {
	// state never changes
	return func() {}
}

func (self *StaticTokenAuth) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return self.token, nil
}

type TokenFetchFunction = func(ctx context.Context) (string, error)

// provider backed by an async token fetcher. the token is treated as a
// jwt and re-fetched when the unverified `exp` claim has passed or when
// a force refresh is requested.
type JwtAuth struct {
	fetchToken TokenFetchFunction

	stateLock sync.Mutex

	loading bool
	fetched bool
	token   string

	changeCallbacks *CallbackList[func()]
}

func NewJwtAuth(fetchToken TokenFetchFunction) *JwtAuth {
	return &JwtAuth{
		fetchToken:      fetchToken,
		changeCallbacks: NewCallbackList[func()](),
	}
}

// authenticated until a fetch has definitively produced no token
func (self *JwtAuth) IsAuthenticated() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return !self.fetched || self.token != ""
}

func (self *JwtAuth) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loading
}

func (self *JwtAuth) AddChangeCallback(changeCallback func()) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *JwtAuth) Token(ctx context.Context, forceRefresh bool) (string, error) {
	self.stateLock.Lock()
	token := self.token
	self.stateLock.Unlock()

	if token != "" && !forceRefresh && !jwtExpired(token, time.Now()) {
		return token, nil
	}

	self.stateLock.Lock()
	self.loading = true
	self.stateLock.Unlock()
	self.event()

	token, err := self.fetchToken(ctx)

	self.stateLock.Lock()
	self.loading = false
	if err == nil {
		self.fetched = true
		self.token = token
	}
	self.stateLock.Unlock()
	self.event()

	if err != nil {
		return "", err
	}
	return token, nil
}

func (self *JwtAuth) event() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(changeCallback)
	}
}

// expiry check on unverified claims. verification belongs to the
// backend; the client only needs to know when to re-fetch.
func jwtExpired(token string, now time.Time) bool {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		// not a jwt. assume the fetcher manages its own lifetime.
		return false
	}
	expirationTime, err := parsedToken.Claims.GetExpirationTime()
	if err != nil || expirationTime == nil {
		return false
	}
	return expirationTime.Time.Before(now)
}

// bridges the auth provider into the query environment.
// on the server render path, guarantees a token has been forwarded to
// the remote client session before the one-shot fetch runs.
type authBridge struct {
	provider   AuthProvider
	client     RemoteQueryClient
	serverMode bool
}

func newAuthBridge(provider AuthProvider, client RemoteQueryClient, serverMode bool) *authBridge {
	return &authBridge{
		provider:   provider,
		client:     client,
		serverMode: serverMode,
	}
}

// on the client path this is a no-op: the live channel authenticates
// itself. on the server path, waits out an in-progress auth load via a
// one-time observation, then force-refreshes the token and forwards it
// to the client session. token fetch errors propagate to the caller.
func (self *authBridge) ensureTokenReady(ctx context.Context) (string, error) {
	if !self.serverMode || self.provider == nil {
		return "", nil
	}

	for self.provider.IsLoading() {
		update := make(chan struct{}, 1)
		unsub := self.provider.AddChangeCallback(func() {
			select {
			case update <- struct{}{}:
			default:
			}
		})
		// re-check after registering to not miss the edge
		if !self.provider.IsLoading() {
			unsub()
			break
		}
		select {
		case <-update:
		case <-ctx.Done():
			unsub()
			return "", ctx.Err()
		}
		unsub()
	}

	if !self.provider.IsAuthenticated() {
		return "", nil
	}

	token, err := self.provider.Token(ctx, true)
	if err != nil {
		return "", err
	}
	if token != "" {
		self.client.SetSessionToken(token)
	}
	return token, nil
}
