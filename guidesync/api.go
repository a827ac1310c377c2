package guidesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// GuideApi is the http side of the store: anonymous auth, one-shot reads,
// and partial-field writes. The watch stream lives in WsStore.
type GuideApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	mutex sync.Mutex
	byJwt string
}

func NewGuideApi(apiUrl string) *GuideApi {
	return NewGuideApiWithContext(context.Background(), apiUrl)
}

func NewGuideApiWithContext(ctx context.Context, apiUrl string) *GuideApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &GuideApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *GuideApi) SetByJwt(byJwt string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.byJwt = byJwt
}

func (self *GuideApi) getByJwt() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byJwt
}

func (self *GuideApi) Close() {
	self.cancel()
}

type AuthAnonymousCallback apiCallback[*AuthAnonymousResult]

type AuthAnonymousArgs struct {
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type AuthAnonymousResult struct {
	ByJwt   string                    `json:"by_jwt,omitempty"`
	GuideId string                    `json:"guide_id,omitempty"`
	Error   *AuthAnonymousResultError `json:"error,omitempty"`
}

type AuthAnonymousResultError struct {
	Message string `json:"message"`
}

func (self *GuideApi) AuthAnonymous(authAnonymous *AuthAnonymousArgs, callback AuthAnonymousCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/anonymous", self.apiUrl),
		authAnonymous,
		self.getByJwt(),
		&AuthAnonymousResult{},
		callback,
	)
}

func (self *GuideApi) AuthAnonymousSync(ctx context.Context, authAnonymous *AuthAnonymousArgs) (*AuthAnonymousResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/auth/anonymous", self.apiUrl),
		authAnonymous,
		self.getByJwt(),
		&AuthAnonymousResult{},
		NewNoopApiCallback[*AuthAnonymousResult](),
	)
}

type GetGuideCallback apiCallback[*GetGuideResult]

type GetGuideResult struct {
	Document Document          `json:"document,omitempty"`
	Error    *GuideResultError `json:"error,omitempty"`
}

type GuideResultError struct {
	Message string `json:"message"`
}

// one-shot read of the current document, outside the watch stream
func (self *GuideApi) GetGuide(path string, callback GetGuideCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/guide/%s", self.apiUrl, path),
		self.getByJwt(),
		&GetGuideResult{},
		callback,
	)
}

func (self *GuideApi) GetGuideSync(ctx context.Context, path string) (*GetGuideResult, error) {
	return get(
		ctx,
		fmt.Sprintf("%s/guide/%s", self.apiUrl, path),
		self.getByJwt(),
		&GetGuideResult{},
		NewNoopApiCallback[*GetGuideResult](),
	)
}

type WriteGuideFieldsCallback apiCallback[*WriteGuideFieldsResult]

type WriteGuideFieldsArgs struct {
	Path   string   `json:"path"`
	Fields Document `json:"fields"`
}

type WriteGuideFieldsResult struct {
	Error *GuideResultError `json:"error,omitempty"`
}

// partial-field write. Only the named top-level sections are replaced,
// never the whole document.
func (self *GuideApi) WriteGuideFields(writeGuideFields *WriteGuideFieldsArgs, callback WriteGuideFieldsCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/guide/fields", self.apiUrl),
		writeGuideFields,
		self.getByJwt(),
		&WriteGuideFieldsResult{},
		callback,
	)
}

func (self *GuideApi) WriteGuideFieldsSync(ctx context.Context, writeGuideFields *WriteGuideFieldsArgs) (*WriteGuideFieldsResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/guide/fields", self.apiUrl),
		writeGuideFields,
		self.getByJwt(),
		&WriteGuideFieldsResult{},
		NewNoopApiCallback[*WriteGuideFieldsResult](),
	)
}

// replaces the packingList section
func (self *GuideApi) UpdatePackingListSync(ctx context.Context, path string, packingList any) (*WriteGuideFieldsResult, error) {
	return self.WriteGuideFieldsSync(ctx, &WriteGuideFieldsArgs{
		Path: path,
		Fields: Document{
			"packingList": packingList,
		},
	})
}

// replaces the chat section. Callers append to their mirror's chat and
// write the result, so collaborator sections stay untouched.
func (self *GuideApi) UpdateChatSync(ctx context.Context, path string, chat any) (*WriteGuideFieldsResult, error) {
	return self.WriteGuideFieldsSync(ctx, &WriteGuideFieldsArgs{
		Path: path,
		Fields: Document{
			"chat": chat,
		},
	})
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
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

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
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
		err = errors.New(errorMessage)
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

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
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
