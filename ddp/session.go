// Package ddp implements the wire-facing half of the library: a
// transport-agnostic connection to a DDP server (spec component A/B/C)
// that frames the protocol, correlates method calls and subscriptions
// with their server responses, and fans out per-document events to
// whatever is listening — typically a ddpcollection.DDPCollection.
package ddp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ddpkit/ddp/ddperr"
	"github.com/ddpkit/ddp/internal/observability"
	"github.com/ddpkit/ddp/internal/signal"
)

// State is a Session's position in the connection state machine (spec
// §4.1).
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Failed       State = "failed"
)

var allStates = []string{string(Disconnected), string(Connecting), string(Connected), string(Failed)}

// AddedEvent, ChangedEvent and RemovedEvent are the per-document fan-out
// payloads spec.md §4.1 describes, with nil fields/cleared normalized
// to empty (spec.md: "null fields/cleared treated as empty").
type AddedEvent struct {
	Collection string
	ID         string
	Fields     map[string]interface{}
}

type ChangedEvent struct {
	Collection string
	ID         string
	Fields     map[string]interface{}
	Cleared    []string
}

type RemovedEvent struct {
	Collection string
	ID         string
}

// ErrorEvent is the payload of a server `error` frame (no id — surfaced
// globally, spec.md §7).
type ErrorEvent struct {
	Reason           string
	OffendingMessage string
}

// ResultEvent is the payload delivered to a method's result listener.
type ResultEvent struct {
	Result json.RawMessage
	Err    error
}

// Options configures a Session.
type Options struct {
	// Version is the DDP protocol version sent in `connect` and echoed
	// in `support` (spec.md §4.1, §9 "support version negotiation").
	Version string
	// HeartbeatInterval, when non-zero, makes the session send its own
	// periodic application-level ping in addition to answering the
	// server's (supplemented feature; see SPEC_FULL.md).
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds how long the session waits for a pong to
	// its own ping before treating the connection as dead.
	HeartbeatTimeout time.Duration
	Logger  *zap.Logger
	Metrics *observability.Collector
	// Tracer, when non-nil, wraps CallMethod and Subscribe in spans
	// (SPEC_FULL.md AMBIENT STACK: observability).
	Tracer *observability.TracerProvider
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "1"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type pendingMethod struct {
	name     string
	span     trace.Span
	onResult func(ResultEvent)
}

// Session is a single logical DDP conversation (spec.md §3). All public
// methods are safe to call from any goroutine: shared state is guarded
// by a mutex. Every inbound frame is handled, and every signal it
// triggers is fired, on one loop goroutine (the "reactor thread" spec.md
// §5 describes); public calls such as CallMethod and Subscribe run on
// the caller's goroutine and send their frame directly.
type Session struct {
	opts      Options
	transport Transport
	logger    *zap.Logger
	metrics   *observability.Collector
	tracer    *observability.TracerProvider
	breaker   *gobreaker.CircuitBreaker

	methodIDs methodIDGen

	mu            sync.Mutex
	state         State
	sessionID     string
	lastPong      time.Time
	pendingSubs   map[string]*signal.Dispatcher[struct{}]
	subFailures   map[string]*signal.Dispatcher[error]
	pendingMethod map[string]pendingMethod

	connected    *signal.Dispatcher[string]
	failed       *signal.Dispatcher[struct{}]
	added        *signal.Dispatcher[AddedEvent]
	changed      *signal.Dispatcher[ChangedEvent]
	removed      *signal.Dispatcher[RemovedEvent]
	synchronized *signal.Dispatcher[string]
	errored      *signal.Dispatcher[ErrorEvent]

	cancel context.CancelFunc
}

// New creates a disconnected Session bound to transport. Connect must be
// called to drive it toward Connected.
func New(transport Transport, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:          opts,
		transport:     transport,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		state:         Disconnected,
		pendingSubs:   make(map[string]*signal.Dispatcher[struct{}]),
		subFailures:   make(map[string]*signal.Dispatcher[error]),
		pendingMethod: make(map[string]pendingMethod),
		connected:     signal.New[string](),
		failed:        signal.New[struct{}](),
		added:         signal.New[AddedEvent](),
		changed:       signal.New[ChangedEvent](),
		removed:       signal.New[RemovedEvent](),
		synchronized:  signal.New[string](),
		errored:       signal.New[ErrorEvent](),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ddp-session",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.setState(Disconnected)
	return s
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetConnectionState(string(st), allStates)
	}
}

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session id, valid once
// Connected.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// OnConnected, OnFailed, OnAdded, OnChanged, OnRemoved, OnSynchronized
// and OnError register listeners for the session-level signals spec.md
// §4.1 names. Each returns a signal.Token. Tokens from OnAdded,
// OnChanged and OnRemoved are accepted by the matching Off* and
// Suppress* methods below; the other signals have no Off method.

func (s *Session) OnConnected(fn func(sessionID string)) signal.Token { return s.connected.On(fn) }
func (s *Session) OnFailed(fn func(struct{})) signal.Token             { return s.failed.On(fn) }
func (s *Session) OnAdded(fn func(AddedEvent)) signal.Token            { return s.added.On(fn) }
func (s *Session) OnChanged(fn func(ChangedEvent)) signal.Token        { return s.changed.On(fn) }
func (s *Session) OnRemoved(fn func(RemovedEvent)) signal.Token        { return s.removed.On(fn) }
func (s *Session) OnSynchronized(fn func(methodID string)) signal.Token {
	return s.synchronized.On(fn)
}
func (s *Session) OnError(fn func(ErrorEvent)) signal.Token { return s.errored.On(fn) }

func (s *Session) OffAdded(tok signal.Token)   { s.added.Off(tok) }
func (s *Session) OffChanged(tok signal.Token) { s.changed.Off(tok) }
func (s *Session) OffRemoved(tok signal.Token) { s.removed.Off(tok) }

// SuppressAdded, SuppressChanged and SuppressRemoved temporarily mute a
// listener registered with the matching On* method until the returned
// restore func runs; the Is*Suppressed methods report whether it is
// currently muted.
func (s *Session) SuppressAdded(tok signal.Token) func()   { return s.added.Suppress(tok) }
func (s *Session) SuppressChanged(tok signal.Token) func() { return s.changed.Suppress(tok) }
func (s *Session) SuppressRemoved(tok signal.Token) func() { return s.removed.Suppress(tok) }
func (s *Session) IsAddedSuppressed(tok signal.Token) bool { return s.added.Suppressed(tok) }
func (s *Session) IsChangedSuppressed(tok signal.Token) bool {
	return s.changed.Suppressed(tok)
}
func (s *Session) IsRemovedSuppressed(tok signal.Token) bool {
	return s.removed.Suppressed(tok)
}

// Connect opens the transport and drives the session from Disconnected
// to Connecting, sending the initial `connect` frame once the transport
// is open (spec.md's state table). resumeSession, when non-empty, is
// offered to the server as the prior session id to resume — per spec.md
// §9's Open Question, nothing in this implementation acts on the server
// accepting or rejecting that resume; it is sent because the wire
// format allows it and dropped otherwise.
func (s *Session) Connect(ctx context.Context, resumeSession string) error {
	s.setState(Connecting)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		incoming, err := s.transport.Connect(ctx)
		if err != nil {
			return nil, err
		}
		go s.loop(ctx, incoming)
		return nil, s.sendConnect(resumeSession)
	})
	if err != nil {
		s.setState(Failed)
		return ddperr.Wrap(ddperr.TransportError, "connect", err)
	}
	if s.opts.HeartbeatInterval > 0 {
		s.mu.Lock()
		s.lastPong = time.Now()
		s.mu.Unlock()
		go s.heartbeatLoop(ctx)
	}
	return nil
}

// heartbeatLoop sends a client-initiated ping on HeartbeatInterval and
// closes the session (leaving it Disconnected) if no pong frame has
// arrived within HeartbeatTimeout, or within twice HeartbeatInterval when
// HeartbeatTimeout is zero; handlePong counts any pong, whatever its id,
// as proof of life (supplemented feature; see SPEC_FULL.md).
func (s *Session) heartbeatLoop(ctx context.Context) {
	timeout := s.opts.HeartbeatTimeout
	if timeout <= 0 {
		timeout = s.opts.HeartbeatInterval * 2
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			since := time.Since(s.lastPong)
			s.mu.Unlock()
			if since > timeout {
				s.logger.Warn("ddp: heartbeat timeout, closing connection", zap.Duration("since", since))
				_ = s.Close()
				return
			}
			if err := s.sendJSON(pingMsg{Msg: "ping"}, "ping"); err != nil {
				s.logger.Warn("ddp: heartbeat ping failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) sendConnect(resumeSession string) error {
	return s.sendJSON(connectMsg{
		Msg:     "connect",
		Version: s.opts.Version,
		Support: []string{s.opts.Version},
		Session: resumeSession,
	}, "connect")
}

func (s *Session) sendJSON(v interface{}, msgKind string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ddperr.Wrap(ddperr.ProtocolError, fmt.Sprintf("encode %s", msgKind), err)
	}
	if err := s.transport.Send(data); err != nil {
		return ddperr.Wrap(ddperr.TransportError, fmt.Sprintf("send %s", msgKind), err)
	}
	if s.metrics != nil {
		s.metrics.MessageSent(msgKind)
	}
	return nil
}

// loop is the reactor: every inbound frame is handled here, and every
// signal this session fires is fired from this goroutine, giving
// spec.md §5's ordering guarantee ("the order of dispatched signals
// matches the order of frames on the wire") for free.
func (s *Session) loop(ctx context.Context, incoming <-chan []byte) {
	for {
		select {
		case data, ok := <-incoming:
			if !ok {
				s.setState(Disconnected)
				return
			}
			s.dispatch(data)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("ddp: dropping undecodable frame", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.MessageReceived(f.Msg)
	}

	switch f.Msg {
	case "connected":
		s.handleConnected(data)
	case "failed":
		s.handleFailed(data)
	case "ping":
		s.handlePing(data)
	case "pong":
		s.handlePong(data)
	case "error":
		s.handleError(data)
	case "nosub":
		s.handleNosub(data)
	case "added":
		s.handleAdded(data)
	case "changed":
		s.handleChanged(data)
	case "removed":
		s.handleRemoved(data)
	case "ready":
		s.handleReady(data)
	case "updated":
		s.handleUpdated(data)
	case "result":
		s.handleResult(data)
	default:
		s.logger.Debug("ddp: ignoring unrecognized frame", zap.String("msg", f.Msg))
	}
}

func (s *Session) handleConnected(data []byte) {
	var cf connectedFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		s.logger.Warn("ddp: malformed connected frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.sessionID = cf.Session
	s.mu.Unlock()
	s.setState(Connected)
	s.connected.Fire(cf.Session)
}

func (s *Session) handleFailed(data []byte) {
	var ff failedFrame
	_ = json.Unmarshal(data, &ff)
	s.setState(Failed)
	s.failed.Fire(struct{}{})
}

func (s *Session) handlePing(data []byte) {
	var pf pingFrame
	_ = json.Unmarshal(data, &pf)
	if err := s.sendJSON(pongMsg{Msg: "pong", ID: pf.ID}, "pong"); err != nil {
		s.logger.Warn("ddp: failed to answer ping", zap.Error(err))
	}
}

// handlePong records the liveness of the session's own heartbeat ping
// (supplemented feature; see SPEC_FULL.md). It does not correlate the
// frame's id against anything — DDP servers are not required to echo
// the id back verbatim, so any pong frame counts as proof of life.
func (s *Session) handlePong(data []byte) {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

func (s *Session) handleError(data []byte) {
	var ef errorFrame
	_ = json.Unmarshal(data, &ef)
	s.errored.Fire(ErrorEvent{Reason: ef.Reason, OffendingMessage: ef.OffendingMessage})
}

func (s *Session) handleNosub(data []byte) {
	var nf nosubFrame
	if err := json.Unmarshal(data, &nf); err != nil {
		s.logger.Warn("ddp: malformed nosub frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	disp := s.subFailures[nf.ID]
	delete(s.pendingSubs, nf.ID)
	delete(s.subFailures, nf.ID)
	s.mu.Unlock()

	if disp == nil {
		return
	}
	err := ddperr.New(ddperr.SubscriptionFailed, fmt.Sprintf("subscription %s rejected", nf.ID))
	if len(nf.Error) > 0 {
		err = ddperr.Wrap(ddperr.SubscriptionFailed, fmt.Sprintf("subscription %s rejected", nf.ID), fmt.Errorf("%s", string(nf.Error)))
	}
	disp.Fire(err)
}

func (s *Session) handleAdded(data []byte) {
	var af addedFrame
	if err := json.Unmarshal(data, &af); err != nil {
		s.logger.Warn("ddp: malformed added frame", zap.Error(err))
		return
	}
	s.added.Fire(AddedEvent{Collection: af.Collection, ID: af.ID, Fields: decodeFields(af.Fields)})
}

func (s *Session) handleChanged(data []byte) {
	var cf changedFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		s.logger.Warn("ddp: malformed changed frame", zap.Error(err))
		return
	}
	s.changed.Fire(ChangedEvent{
		Collection: cf.Collection,
		ID:         cf.ID,
		Fields:     decodeFields(cf.Fields),
		Cleared:    cf.Cleared,
	})
}

func (s *Session) handleRemoved(data []byte) {
	var rf removedFrame
	if err := json.Unmarshal(data, &rf); err != nil {
		s.logger.Warn("ddp: malformed removed frame", zap.Error(err))
		return
	}
	s.removed.Fire(RemovedEvent{Collection: rf.Collection, ID: rf.ID})
}

func (s *Session) handleReady(data []byte) {
	var rf readyFrame
	if err := json.Unmarshal(data, &rf); err != nil {
		s.logger.Warn("ddp: malformed ready frame", zap.Error(err))
		return
	}
	for _, id := range rf.Subs {
		s.mu.Lock()
		disp := s.pendingSubs[id]
		delete(s.pendingSubs, id)
		delete(s.subFailures, id)
		s.mu.Unlock()
		if disp != nil {
			disp.Fire(struct{}{})
		}
		if s.metrics != nil {
			s.metrics.SetSubscriptionActive(id, true)
		}
	}
}

func (s *Session) handleUpdated(data []byte) {
	var uf updatedFrame
	if err := json.Unmarshal(data, &uf); err != nil {
		s.logger.Warn("ddp: malformed updated frame", zap.Error(err))
		return
	}
	for _, id := range uf.Methods {
		s.synchronized.Fire(id)
	}
}

func (s *Session) handleResult(data []byte) {
	var rf resultFrame
	if err := json.Unmarshal(data, &rf); err != nil {
		s.logger.Warn("ddp: malformed result frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	pm, ok := s.pendingMethod[rf.ID]
	delete(s.pendingMethod, rf.ID)
	s.mu.Unlock()
	if !ok || pm.onResult == nil {
		return
	}

	var err error
	status := "ok"
	if len(rf.Error) > 0 && string(rf.Error) != "null" {
		err = ddperr.Wrap(ddperr.MethodFailed, fmt.Sprintf("method %s failed", rf.ID), fmt.Errorf("%s", string(rf.Error)))
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.MethodCalled(pm.name, status, 0)
	}
	if pm.span != nil {
		if err != nil {
			pm.span.RecordError(err)
			pm.span.SetStatus(codes.Error, err.Error())
		}
		pm.span.End()
	}
	pm.onResult(ResultEvent{Result: rf.Result, Err: err})
}

func decodeFields(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]interface{}{}
	}
	return m
}

// CallMethod invokes a server method, returning the allocated method
// id. onResult, when non-nil, is invoked exactly once with the result
// (spec.md §4.1: "the listener is invoked with both fields and
// immediately unregistered").
func (s *Session) CallMethod(name string, params []interface{}, onResult func(ResultEvent)) (string, error) {
	id := s.methodIDs.Next()
	corr := uuid.NewString()

	var span trace.Span
	if s.tracer != nil {
		_, span = s.tracer.StartSpan(context.Background(), "ddp.method",
			trace.WithAttributes(attribute.String("ddp.method", name), attribute.String("ddp.id", id)))
	}

	s.mu.Lock()
	if onResult != nil {
		s.pendingMethod[id] = pendingMethod{name: name, span: span, onResult: onResult}
	}
	s.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.sendJSON(methodMsg{Msg: "method", Method: name, ID: id, Params: params}, "method")
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pendingMethod, id)
		s.mu.Unlock()
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
		s.logger.Warn("ddp: method send failed", zap.String("method", name), zap.String("correlationId", corr), zap.Error(err))
		return "", err
	}
	if span != nil && onResult == nil {
		// No result listener means handleResult will never see this
		// call's id and close the span itself.
		span.End()
	}
	s.logger.Debug("ddp: method sent", zap.String("method", name), zap.String("id", id), zap.String("correlationId", corr))
	return id, nil
}

// Subscribe issues a subscription and returns its id. onReady, when
// non-nil, fires once when the server reports the subscription ready;
// onFailure, when non-nil, fires if the server rejects it with `nosub`.
func (s *Session) Subscribe(name string, params []interface{}, onReady func(), onFailure func(error)) (string, error) {
	id := newRandomID()
	corr := uuid.NewString()

	var span trace.Span
	if s.tracer != nil {
		_, span = s.tracer.StartSpan(context.Background(), "ddp.subscribe",
			trace.WithAttributes(attribute.String("ddp.publication", name), attribute.String("ddp.id", id)))
	}

	readyDisp := signal.New[struct{}]()
	failDisp := signal.New[error]()
	if onReady != nil {
		readyDisp.Once(func(struct{}) { onReady() })
	}
	if onFailure != nil {
		failDisp.Once(onFailure)
	}
	if span != nil {
		readyDisp.Once(func(struct{}) { span.End() })
		failDisp.Once(func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		})
	}

	s.mu.Lock()
	s.pendingSubs[id] = readyDisp
	s.subFailures[id] = failDisp
	s.mu.Unlock()

	if params == nil {
		params = []interface{}{}
	}
	if err := s.sendJSON(subMsg{Msg: "sub", Name: name, ID: id, Params: params}, "sub"); err != nil {
		s.mu.Lock()
		delete(s.pendingSubs, id)
		delete(s.subFailures, id)
		s.mu.Unlock()
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		}
		return "", err
	}
	s.logger.Debug("ddp: subscribed", zap.String("name", name), zap.String("id", id), zap.String("correlationId", corr))
	return id, nil
}

// Unsubscribe sends `unsub` for id.
func (s *Session) Unsubscribe(id string) error {
	s.mu.Lock()
	delete(s.pendingSubs, id)
	delete(s.subFailures, id)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetSubscriptionActive(id, false)
	}
	return s.sendJSON(unsubMsg{Msg: "unsub", ID: id}, "unsub")
}

// Close tears down the transport. The session transitions to
// Disconnected; there is no automatic reconnect (spec.md §7).
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.setState(Disconnected)
	return s.transport.Close()
}
