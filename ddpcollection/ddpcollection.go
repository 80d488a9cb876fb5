// Package ddpcollection implements spec component F: the bidirectional
// bridge between a ddp.Session and a collection.Collection. Server-sent
// changes for its collection are applied locally without being
// re-forwarded; locally originated mutations are forwarded to the
// server as method calls and suppressed when their echo comes back.
package ddpcollection

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ddpkit/ddp/collection"
	"github.com/ddpkit/ddp/ddp"
	"github.com/ddpkit/ddp/ddperr"
	"github.com/ddpkit/ddp/internal/observability"
	"github.com/ddpkit/ddp/internal/signal"
)

// DDPCollection couples a ddp.Session to a named collection.Collection,
// keeping them in sync per spec.md §4.4.
type DDPCollection struct {
	name    string
	session *ddp.Session
	coll    *collection.Collection
	logger  *zap.Logger
	metrics *observability.Collector

	// pending is the methodId<->docId bijection spec.md §3 describes:
	// while a document id is on the right-hand side, an incoming server
	// event for it is an echo of a mutation this bridge already applied
	// locally, not new information.
	mu        sync.Mutex
	subID     string
	ready     bool
	pendingM2 map[string]string // methodId -> docId
	pendingD2 map[string]string // docId -> methodId

	tokServerAdded   signal.Token
	tokServerChanged signal.Token
	tokServerRemoved signal.Token
	tokSynchronized  signal.Token

	tokFwdAdded   signal.Token
	tokFwdChanged signal.Token
	tokFwdRemoved signal.Token
	fwdBound      bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

// New constructs a DDPCollection bound to session and coll (whose name
// is used as the publication/method namespace), and immediately issues
// the subscription. The three forward-push bindings — collection
// mutation to outbound method call — are installed only once the
// subscription's first `ready` arrives, so the server's initial
// snapshot populates the local collection without echoing back (spec.md
// §4.4, "initial-batch handshake").
func New(session *ddp.Session, coll *collection.Collection, params []interface{}, logger *zap.Logger, metrics *observability.Collector) (*DDPCollection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dc := &DDPCollection{
		name:      coll.Name(),
		session:   session,
		coll:      coll,
		logger:    logger,
		metrics:   metrics,
		pendingM2: make(map[string]string),
		pendingD2: make(map[string]string),
		readyCh:   make(chan struct{}),
	}

	dc.tokServerAdded = session.OnAdded(dc.handleServerAdded)
	dc.tokServerChanged = session.OnChanged(dc.handleServerChanged)
	dc.tokServerRemoved = session.OnRemoved(dc.handleServerRemoved)
	dc.tokSynchronized = session.OnSynchronized(dc.handleSynchronized)

	subID, err := session.Subscribe(dc.name, params, dc.handleReady, dc.handleSubFailed)
	if err != nil {
		return nil, err
	}
	dc.mu.Lock()
	dc.subID = subID
	dc.mu.Unlock()

	return dc, nil
}

func (dc *DDPCollection) handleReady() {
	dc.mu.Lock()
	dc.ready = true
	if !dc.fwdBound {
		dc.tokFwdAdded = dc.coll.OnDocumentAdded(dc.forwardAdded)
		dc.tokFwdChanged = dc.coll.OnDocumentChanged(dc.forwardChanged)
		dc.tokFwdRemoved = dc.coll.OnDocumentRemoved(dc.forwardRemoved)
		dc.fwdBound = true
	}
	dc.mu.Unlock()
	dc.readyOnce.Do(func() { close(dc.readyCh) })
	dc.logger.Info("ddpcollection: subscription ready", zap.String("collection", dc.name), zap.String("sub", dc.subID))
}

func (dc *DDPCollection) handleSubFailed(err error) {
	dc.logger.Warn("ddpcollection: subscription failed", zap.String("collection", dc.name), zap.Error(err))
}

// Ready reports whether the initial-batch handshake has completed.
func (dc *DDPCollection) Ready() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.ready
}

// Done returns a channel that closes once the initial-batch handshake
// completes, for callers that want to wait on it rather than poll Ready.
func (dc *DDPCollection) Done() <-chan struct{} {
	return dc.readyCh
}

// handleServerAdded/Changed/Removed apply an inbound server document
// event to the local store with the matching forward-push listener
// suppressed, so the apply does not get re-forwarded as a method call
// (spec.md §4.4, Echo suppression).
func (dc *DDPCollection) handleServerAdded(e ddp.AddedEvent) {
	if e.Collection != dc.name {
		return
	}
	dc.withSuppressedAdded(func() { dc.coll.ApplyAdded(e.ID, e.Fields) })
	dc.logEcho(e.ID)
	if dc.metrics != nil {
		dc.metrics.DocumentApplied(dc.name, "server_added")
	}
}

func (dc *DDPCollection) handleServerChanged(e ddp.ChangedEvent) {
	if e.Collection != dc.name {
		return
	}
	dc.withSuppressedChanged(func() { dc.coll.ApplyChanged(e.ID, e.Fields, e.Cleared) })
	dc.logEcho(e.ID)
	if dc.metrics != nil {
		dc.metrics.DocumentApplied(dc.name, "server_changed")
	}
}

func (dc *DDPCollection) handleServerRemoved(e ddp.RemovedEvent) {
	if e.Collection != dc.name {
		return
	}
	dc.withSuppressedRemoved(func() { dc.coll.ApplyRemoved(e.ID) })
	dc.logEcho(e.ID)
	if dc.metrics != nil {
		dc.metrics.DocumentApplied(dc.name, "server_removed")
	}
}

func (dc *DDPCollection) logEcho(id string) {
	dc.mu.Lock()
	mid, isEcho := dc.pendingD2[id]
	dc.mu.Unlock()
	if isEcho {
		dc.logger.Debug("ddpcollection: echo observed", zap.String("collection", dc.name), zap.String("id", id), zap.String("methodId", mid))
	}
}

func (dc *DDPCollection) withSuppressedAdded(fn func()) {
	dc.mu.Lock()
	bound := dc.fwdBound
	tok := dc.tokFwdAdded
	tokChanged := dc.tokFwdChanged
	dc.mu.Unlock()
	if !bound {
		fn()
		return
	}
	restore := dc.coll.SuppressDocumentAdded(tok)
	defer restore()
	// ApplyAdded on an id that already exists locally merges the fields
	// and fires document_changed, so that forward push is blocked too.
	restoreChanged := dc.coll.SuppressDocumentChanged(tokChanged)
	defer restoreChanged()
	fn()
}

func (dc *DDPCollection) withSuppressedChanged(fn func()) {
	dc.mu.Lock()
	bound := dc.fwdBound
	tok := dc.tokFwdChanged
	dc.mu.Unlock()
	if !bound {
		fn()
		return
	}
	restore := dc.coll.SuppressDocumentChanged(tok)
	defer restore()
	fn()
}

func (dc *DDPCollection) withSuppressedRemoved(fn func()) {
	dc.mu.Lock()
	bound := dc.fwdBound
	tok := dc.tokFwdRemoved
	dc.mu.Unlock()
	if !bound {
		fn()
		return
	}
	restore := dc.coll.SuppressDocumentRemoved(tok)
	defer restore()
	fn()
}

func (dc *DDPCollection) handleSynchronized(methodID string) {
	dc.mu.Lock()
	id, ok := dc.pendingM2[methodID]
	if ok {
		delete(dc.pendingM2, methodID)
		delete(dc.pendingD2, id)
	}
	dc.mu.Unlock()
}

// forwardAdded, forwardChanged and forwardRemoved are the collection's
// own document signals, bound only once the subscription is ready
// (handleReady). They translate a locally originated mutation into the
// method call spec.md §4.4 names.
func (dc *DDPCollection) forwardAdded(e collection.AddedEvent) {
	if dc.isEchoInFlight(e.ID) {
		return
	}
	payload := map[string]interface{}{"_id": oidValue(e.ID)}
	for k, v := range e.Fields {
		payload[k] = v
	}
	dc.callAndTrack(e.ID, "/"+dc.name+"/insert", []interface{}{payload})
}

func (dc *DDPCollection) forwardChanged(e collection.ChangedEvent) {
	if dc.isEchoInFlight(e.ID) {
		return
	}
	modifier := map[string]interface{}{}
	if len(e.Changed) > 0 {
		modifier["$set"] = e.Changed
	}
	if len(e.Cleared) > 0 {
		unset := map[string]interface{}{}
		for _, f := range e.Cleared {
			unset[f] = true
		}
		modifier["$unset"] = unset
	}
	selector := map[string]interface{}{"_id": oidValue(e.ID)}
	dc.callAndTrack(e.ID, "/"+dc.name+"/update", []interface{}{selector, modifier})
}

func (dc *DDPCollection) forwardRemoved(e collection.RemovedEvent) {
	if dc.isEchoInFlight(e.ID) {
		return
	}
	selector := map[string]interface{}{"_id": oidValue(e.ID)}
	dc.callAndTrack(e.ID, "/"+dc.name+"/remove", []interface{}{selector})
}

// isEchoInFlight is a secondary guard against re-forwarding an apply
// that is already recorded as in-flight for this id, on top of the
// withSuppressed* blocking done around every handleServer* apply: it
// also covers a second server event for the same id arriving before the
// first method's `updated` clears pending.
func (dc *DDPCollection) isEchoInFlight(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	_, inFlight := dc.pendingD2[id]
	return inFlight
}

func (dc *DDPCollection) callAndTrack(docID, method string, params []interface{}) {
	methodID, err := dc.session.CallMethod(method, params, func(r ddp.ResultEvent) {
		if r.Err != nil {
			dc.logger.Warn("ddpcollection: forwarded method failed", zap.String("method", method), zap.Error(r.Err))
		}
	})
	if err != nil {
		dc.logger.Warn("ddpcollection: failed to forward mutation", zap.String("method", method), zap.Error(err))
		return
	}
	dc.mu.Lock()
	dc.pendingM2[methodID] = docID
	dc.pendingD2[docID] = methodID
	dc.mu.Unlock()
}

// armAddedFallback, armChangedFallback and armRemovedFallback cover
// spec.md §4.4's "Pre-ready mutations" case: an application mutation
// issued while its forward-push listener is momentarily blocked (this
// bridge is mid echo-apply, see withSuppressedAdded/Changed/Removed)
// would otherwise have its own document signal swallowed by that same
// suppression and never reach the server. If the listener is suppressed
// at the moment the mutation is about to run, a one-shot catch-up
// listener — a distinct token, so not itself suppressed — is armed to
// forward exactly this call's resulting event.
func (dc *DDPCollection) armAddedFallback() func() {
	dc.mu.Lock()
	bound := dc.fwdBound
	tok := dc.tokFwdAdded
	dc.mu.Unlock()
	if !bound || !dc.coll.DocumentAddedSuppressed(tok) {
		return func() {}
	}
	once := dc.coll.OnceDocumentAdded(dc.forwardAdded)
	return func() { dc.coll.OffDocumentAdded(once) }
}

func (dc *DDPCollection) armChangedFallback() func() {
	dc.mu.Lock()
	bound := dc.fwdBound
	tok := dc.tokFwdChanged
	dc.mu.Unlock()
	if !bound || !dc.coll.DocumentChangedSuppressed(tok) {
		return func() {}
	}
	once := dc.coll.OnceDocumentChanged(dc.forwardChanged)
	return func() { dc.coll.OffDocumentChanged(once) }
}

func (dc *DDPCollection) armRemovedFallback() func() {
	dc.mu.Lock()
	bound := dc.fwdBound
	tok := dc.tokFwdRemoved
	dc.mu.Unlock()
	if !bound || !dc.coll.DocumentRemovedSuppressed(tok) {
		return func() {}
	}
	once := dc.coll.OnceDocumentRemoved(dc.forwardRemoved)
	return func() { dc.coll.OffDocumentRemoved(once) }
}

// Insert performs a local insert, forwarded to the server as
// `/{name}/insert` by the forward-push listener bound in handleReady.
// Returns NotReady if the subscription has not completed its initial
// batch (spec.md §4.4).
func (dc *DDPCollection) Insert(doc collection.Document) (string, error) {
	if !dc.Ready() {
		return "", ddperr.New(ddperr.NotReady, "subscription not ready")
	}
	restore := dc.armAddedFallback()
	defer restore()
	return dc.coll.Insert(doc)
}

// Update performs a local update, forwarded as `/{name}/update`.
func (dc *DDPCollection) Update(selector, modifier collection.Document) (int, error) {
	if !dc.Ready() {
		return 0, ddperr.New(ddperr.NotReady, "subscription not ready")
	}
	restore := dc.armChangedFallback()
	defer restore()
	return dc.coll.Update(selector, modifier)
}

// Upsert performs a local update-or-insert, forwarded the same way
// Insert or Update would be depending on which branch ran.
func (dc *DDPCollection) Upsert(selector, modifier collection.Document) (int, error) {
	if !dc.Ready() {
		return 0, ddperr.New(ddperr.NotReady, "subscription not ready")
	}
	restoreAdded := dc.armAddedFallback()
	defer restoreAdded()
	restoreChanged := dc.armChangedFallback()
	defer restoreChanged()
	return dc.coll.Upsert(selector, modifier)
}

// Remove performs a local remove, forwarded as `/{name}/remove`.
func (dc *DDPCollection) Remove(selector collection.Document) (int, error) {
	if !dc.Ready() {
		return 0, ddperr.New(ddperr.NotReady, "subscription not ready")
	}
	restore := dc.armRemovedFallback()
	defer restore()
	return dc.coll.Remove(selector)
}

// Close unsubscribes, removes the bridge's three document listeners from
// its session and its forward-push listeners from the collection (spec.md
// §4.4, Teardown). The session's synchronized listener stays registered.
// The backing collection is left open.
func (dc *DDPCollection) Close() error {
	dc.session.OffAdded(dc.tokServerAdded)
	dc.session.OffChanged(dc.tokServerChanged)
	dc.session.OffRemoved(dc.tokServerRemoved)

	dc.mu.Lock()
	if dc.fwdBound {
		dc.coll.OffDocumentAdded(dc.tokFwdAdded)
		dc.coll.OffDocumentChanged(dc.tokFwdChanged)
		dc.coll.OffDocumentRemoved(dc.tokFwdRemoved)
		dc.fwdBound = false
	}
	subID := dc.subID
	dc.mu.Unlock()

	if subID == "" {
		return nil
	}
	return dc.session.Unsubscribe(subID)
}

func oidValue(id string) map[string]string {
	return map[string]string{"$type": "oid", "$value": id}
}
