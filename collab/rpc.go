package collab

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/golang/glog"
)

type RpcSettings struct {
	// AttemptTimeout bounds one attempt. Every retry gets a fresh
	// correlation id so late answers to earlier attempts are dropped.
	AttemptTimeout time.Duration
	MaxAttempts    int
}

func DefaultRpcSettings() *RpcSettings {
	return &RpcSettings{
		AttemptTimeout: 8 * time.Second,
		MaxAttempts:    3,
	}
}

// RequestHandler answers a request addressed to this peer.
// The returned response is sent back with the request's correlation id.
type RequestHandler func(request *CodeRequest) *CodeResponse

// RpcManager correlates request and response frames over the shared rpc
// topic. Every peer sees every request and only the addressed peer
// answers. Target matches either peer id or display name.
type RpcManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	router   *Router
	clock    clock.Clock
	settings *RpcSettings

	topic  string
	peerId string

	mutex          sync.Mutex
	displayName    string
	pending        map[string]chan *CodeResponse
	requestHandler RequestHandler

	removeHandlers []func()
}

func NewRpcManagerWithDefaults(ctx context.Context, router *Router, topic string, peerId string, displayName string) *RpcManager {
	return NewRpcManager(ctx, router, topic, peerId, displayName, clock.New(), DefaultRpcSettings())
}

func NewRpcManager(
	ctx context.Context,
	router *Router,
	topic string,
	peerId string,
	displayName string,
	clk clock.Clock,
	settings *RpcSettings,
) *RpcManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	rpcManager := &RpcManager{
		ctx:         cancelCtx,
		cancel:      cancel,
		router:      router,
		clock:       clk,
		settings:    settings,
		topic:       topic,
		peerId:      peerId,
		displayName: displayName,
		pending:     map[string]chan *CodeResponse{},
	}
	rpcManager.removeHandlers = []func(){
		router.AddHandler(MessageTypeCodeRequest, rpcManager.handleCodeRequest),
		router.AddHandler(MessageTypeCodeResponse, rpcManager.handleCodeResponse),
	}
	return rpcManager
}

// SetRequestHandler installs the responder for requests addressed here.
func (self *RpcManager) SetRequestHandler(requestHandler RequestHandler) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.requestHandler = requestHandler
}

// SetDisplayName updates the name requests can target alongside the id.
func (self *RpcManager) SetDisplayName(displayName string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.displayName = displayName
}

// FetchContent asks target for a shared document, optionally narrowed to
// one named symbol.
func (self *RpcManager) FetchContent(ctx context.Context, target string, documentPath string, selector string) (*CodeResponse, error) {
	return self.call(ctx, target, func(correlationId string) *CodeRequest {
		return &CodeRequest{
			CorrelationId: correlationId,
			Target:        target,
			Kind:          RequestKindContent,
			Path:          documentPath,
			Selector:      selector,
		}
	})
}

// InvokeService calls a named endpoint exposed by target.
func (self *RpcManager) InvokeService(ctx context.Context, target string, endpoint string, args []string) (*CodeResponse, error) {
	return self.call(ctx, target, func(correlationId string) *CodeRequest {
		return &CodeRequest{
			CorrelationId: correlationId,
			Target:        target,
			Kind:          RequestKindService,
			Endpoint:      endpoint,
			Args:          args,
		}
	})
}

// ExecuteSource asks target to run source through its execution backend.
func (self *RpcManager) ExecuteSource(ctx context.Context, target string, source string) (*CodeResponse, error) {
	return self.call(ctx, target, func(correlationId string) *CodeRequest {
		return &CodeRequest{
			CorrelationId: correlationId,
			Target:        target,
			Kind:          RequestKindService,
			Source:        source,
		}
	})
}

func (self *RpcManager) call(ctx context.Context, target string, build func(correlationId string) *CodeRequest) (*CodeResponse, error) {
	schedule := newRetrySchedule(self.clock, self.settings.AttemptTimeout, self.settings.MaxAttempts)
	for schedule.next() {
		correlationId := NewId().String()
		request := build(correlationId)

		replies := make(chan *CodeResponse, 1)
		self.mutex.Lock()
		self.pending[correlationId] = replies
		self.mutex.Unlock()

		glog.V(1).Infof("[c]%s %s %s attempt %d\n", self.peerId, request.Kind, target, schedule.attemptCount())
		if err := self.router.Send(self.topic, "", request); err != nil {
			self.unregister(correlationId)
			return nil, err
		}

		select {
		case response := <-replies:
			self.unregister(correlationId)
			if response.Error != "" {
				return nil, &ApplicationError{
					Target:   target,
					Endpoint: request.Endpoint,
					Message:  response.Error,
				}
			}
			return response, nil
		case <-schedule.deadline():
			self.unregister(correlationId)
			glog.V(1).Infof("[c]%s %s %s attempt %d timed out\n", self.peerId, request.Kind, target, schedule.attemptCount())
		case <-ctx.Done():
			self.unregister(correlationId)
			return nil, ctx.Err()
		case <-self.ctx.Done():
			self.unregister(correlationId)
			return nil, ErrSessionClosed
		}
	}
	return nil, &TimeoutError{
		Target:   target,
		Attempts: schedule.attemptCount(),
	}
}

func (self *RpcManager) unregister(correlationId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.pending, correlationId)
}

func (self *RpcManager) handleCodeRequest(topic string, envelope *Envelope, payload any) {
	request := payload.(*CodeRequest)
	if !self.addressedHere(request.Target) {
		return
	}

	self.mutex.Lock()
	requestHandler := self.requestHandler
	self.mutex.Unlock()
	if requestHandler == nil {
		glog.V(1).Infof("[c]%s no handler for %s from %s\n", self.peerId, request.Kind, envelope.From)
		return
	}

	// answer off the receive path, handlers may run code
	go func() {
		response := requestHandler(request)
		if response == nil {
			return
		}
		response.CorrelationId = request.CorrelationId
		if err := self.router.Send(self.topic, "", response); err != nil {
			glog.V(1).Infof("[c]%s respond err = %v\n", self.peerId, err)
		}
	}()
}

func (self *RpcManager) handleCodeResponse(topic string, envelope *Envelope, payload any) {
	response := payload.(*CodeResponse)

	self.mutex.Lock()
	replies, ok := self.pending[response.CorrelationId]
	self.mutex.Unlock()
	if !ok {
		// a response for someone else, or for a lapsed attempt
		return
	}
	select {
	case replies <- response:
	default:
	}
}

func (self *RpcManager) addressedHere(target string) bool {
	self.mutex.Lock()
	displayName := self.displayName
	self.mutex.Unlock()

	return target == self.peerId || (displayName != "" && target == displayName)
}

// Close rejects all pending calls with a closed-session error.
func (self *RpcManager) Close() {
	self.cancel()

	self.mutex.Lock()
	self.pending = map[string]chan *CodeResponse{}
	self.mutex.Unlock()

	for _, removeHandler := range self.removeHandlers {
		removeHandler()
	}
}
