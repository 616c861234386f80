package convex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// one-shot http surface of the deployment:
// `{deploymentUrl}/api/query` and `{deploymentUrl}/api/mutation`
type ApiClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	stateLock    sync.Mutex
	sessionToken string
}

func NewApiClient(apiUrl string) *ApiClient {
	return NewApiClientWithContext(context.Background(), apiUrl)
}

func NewApiClientWithContext(ctx context.Context, apiUrl string) *ApiClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ApiClient{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *ApiClient) SetSessionToken(sessionToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sessionToken = sessionToken
}

func (self *ApiClient) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessionToken
}

type FunctionCallArgs struct {
	Path      string `json:"path"`
	Args      Value  `json:"args"`
	RequestId Id     `json:"request_id"`
}

type FunctionCallResult struct {
	Status       string `json:"status"`
	Value        Value  `json:"value,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorData    Value  `json:"errorData,omitempty"`
}

type FunctionCallCallback = apiCallback[*FunctionCallResult]

func (self *ApiClient) Query(name string, args Value, callback FunctionCallCallback) {
	functionCall := &FunctionCallArgs{
		Path:      name,
		Args:      args,
		RequestId: NewId(),
	}
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/query", self.apiUrl),
		functionCall,
		self.SessionToken(),
		&FunctionCallResult{},
		callback,
	)
}

func (self *ApiClient) QuerySync(ctx context.Context, name string, args Value) (Value, error) {
	functionCall := &FunctionCallArgs{
		Path:      name,
		Args:      args,
		RequestId: NewId(),
	}
	result, err := post(
		ctx,
		fmt.Sprintf("%s/api/query", self.apiUrl),
		functionCall,
		self.SessionToken(),
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
	return functionCallValue(result, err)
}

func (self *ApiClient) Mutation(name string, args Value, callback FunctionCallCallback) {
	functionCall := &FunctionCallArgs{
		Path:      name,
		Args:      args,
		RequestId: NewId(),
	}
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/mutation", self.apiUrl),
		functionCall,
		self.SessionToken(),
		&FunctionCallResult{},
		callback,
	)
}

func (self *ApiClient) MutationSync(ctx context.Context, name string, args Value) (Value, error) {
	functionCall := &FunctionCallArgs{
		Path:      name,
		Args:      args,
		RequestId: NewId(),
	}
	result, err := post(
		ctx,
		fmt.Sprintf("%s/api/mutation", self.apiUrl),
		functionCall,
		self.SessionToken(),
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
	return functionCallValue(result, err)
}

func (self *ApiClient) Close() {
	self.cancel()
}

// normalizes the backend's {status, value, errorMessage, errorData}
// envelope into a value or a *QueryError
func functionCallValue(result *FunctionCallResult, err error) (Value, error) {
	if err != nil {
		return nil, AsQueryError(err)
	}
	if result.Status != "" && result.Status != "success" {
		return nil, &QueryError{
			Code:    result.Status,
			Message: result.ErrorMessage,
			Data:    result.ErrorData,
		}
	}
	return result.Value, nil
}

func post[R any](ctx context.Context, url string, args any, sessionToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if sessionToken != "" {
		auth := fmt.Sprintf("Bearer %s", sessionToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = NewQueryError(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
