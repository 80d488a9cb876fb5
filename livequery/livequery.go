// Package livequery implements spec component E: a materialized view
// over a collection.Collection, continuously kept in sync with a fixed
// selector by subscribing to the collection's internal pre-change
// signals.
package livequery

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ddpkit/ddp/collection"
	"github.com/ddpkit/ddp/internal/signal"
)

// AddedEvent, ChangedEvent and RemovedEvent mirror collection's public
// signal payloads — a live query re-derives its own fan-out rather than
// simply forwarding the collection's, since a live query's add/remove
// events happen on set-membership transitions, not on every mutation
// (spec.md §4.3).
type AddedEvent struct {
	ID     string
	Fields collection.Document
}

type ChangedEvent struct {
	ID      string
	Changed collection.Document
	Cleared []string
}

type RemovedEvent struct {
	ID string
}

// LiveQuery maintains results, an ordered, deduplicated view of every
// document in its backing collection matching selector (spec.md §3,
// invariant 1 in §8).
type LiveQuery struct {
	selector collection.Document
	coll     *collection.Collection
	engine   *collection.Engine
	logger   *zap.Logger

	mu      sync.RWMutex
	order   []string
	results map[string]collection.Document

	added   *signal.Dispatcher[AddedEvent]
	changed *signal.Dispatcher[ChangedEvent]
	removed *signal.Dispatcher[RemovedEvent]
	updated *signal.Dispatcher[struct{}]

	tokPreChanged signal.Token
	tokAdded      signal.Token
	tokPreRemoved signal.Token
}

// New takes an initial snapshot of coll via selector and subscribes to
// its pre-change signals to keep that snapshot live. Pass nil logger to
// use a no-op logger.
func New(selector collection.Document, coll *collection.Collection, logger *zap.Logger) *LiveQuery {
	if selector == nil {
		selector = collection.Document{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lq := &LiveQuery{
		selector: selector,
		coll:     coll,
		engine:   collection.NewEngine(),
		logger:   logger,
		results:  make(map[string]collection.Document),
		added:    signal.New[AddedEvent](),
		changed:  signal.New[ChangedEvent](),
		removed:  signal.New[RemovedEvent](),
		updated:  signal.New[struct{}](),
	}

	for _, doc := range coll.Find(selector) {
		id, _ := doc["_id"].(string)
		lq.order = append(lq.order, id)
		lq.results[id] = doc
	}

	lq.tokAdded = coll.OnDocumentAdded(lq.handleAdded)
	lq.tokPreChanged = coll.OnDocumentPreChanged(lq.handlePreChanged)
	lq.tokPreRemoved = coll.OnDocumentPreRemoved(lq.handlePreRemoved)
	return lq
}

// Close stops the live query from following its collection. It does not
// affect the collection (spec.md §3, Lifecycle).
func (lq *LiveQuery) Close() {
	lq.coll.OffDocumentAdded(lq.tokAdded)
	lq.coll.OffDocumentPreChanged(lq.tokPreChanged)
	lq.coll.OffDocumentPreRemoved(lq.tokPreRemoved)
}

// Data returns the current result set, in stable insertion order.
func (lq *LiveQuery) Data() []collection.Document {
	lq.mu.RLock()
	defer lq.mu.RUnlock()
	out := make([]collection.Document, 0, len(lq.order))
	for _, id := range lq.order {
		out = append(out, lq.results[id])
	}
	return out
}

func (lq *LiveQuery) OnAdded(fn func(AddedEvent)) signal.Token     { return lq.added.On(fn) }
func (lq *LiveQuery) OnChanged(fn func(ChangedEvent)) signal.Token { return lq.changed.On(fn) }
func (lq *LiveQuery) OnRemoved(fn func(RemovedEvent)) signal.Token { return lq.removed.On(fn) }
func (lq *LiveQuery) OnUpdated(fn func()) signal.Token {
	return lq.updated.On(func(struct{}) { fn() })
}

func (lq *LiveQuery) insert(id string, doc collection.Document) {
	lq.mu.Lock()
	lq.order = append(lq.order, id)
	lq.results[id] = doc
	lq.mu.Unlock()
}

func (lq *LiveQuery) replace(id string, doc collection.Document) {
	lq.mu.Lock()
	lq.results[id] = doc
	lq.mu.Unlock()
}

func (lq *LiveQuery) drop(id string) {
	lq.mu.Lock()
	delete(lq.results, id)
	for i, oid := range lq.order {
		if oid == id {
			lq.order = append(lq.order[:i], lq.order[i+1:]...)
			break
		}
	}
	lq.mu.Unlock()
}

func (lq *LiveQuery) handleAdded(e collection.AddedEvent) {
	doc := cloneWithID(e.Fields, e.ID)
	if !lq.engine.Match(lq.selector, doc) {
		return
	}
	lq.insert(e.ID, doc)
	lq.added.Fire(AddedEvent{ID: e.ID, Fields: e.Fields})
	lq.updated.Fire(struct{}{})
}

func (lq *LiveQuery) handlePreChanged(e collection.PreChangedEvent) {
	beforeMatches := lq.engine.Match(lq.selector, e.Before)
	afterMatches := lq.engine.Match(lq.selector, e.After)

	switch {
	case beforeMatches && afterMatches:
		lq.replace(e.ID, e.After)
		changed, cleared := collection.Diff(e.Before, e.After)
		lq.changed.Fire(ChangedEvent{ID: e.ID, Changed: changed, Cleared: cleared})
	case beforeMatches && !afterMatches:
		lq.drop(e.ID)
		lq.removed.Fire(RemovedEvent{ID: e.ID})
	case !beforeMatches && afterMatches:
		lq.insert(e.ID, e.After)
		fields := cloneWithID(e.After, "")
		delete(fields, "_id")
		lq.added.Fire(AddedEvent{ID: e.ID, Fields: fields})
	default:
		return
	}
	lq.updated.Fire(struct{}{})
}

func (lq *LiveQuery) handlePreRemoved(e collection.PreRemovedEvent) {
	if !lq.engine.Match(lq.selector, e.Doc) {
		return
	}
	lq.drop(e.ID)
	lq.removed.Fire(RemovedEvent{ID: e.ID})
	lq.updated.Fire(struct{}{})
}

func cloneWithID(fields collection.Document, id string) collection.Document {
	out := make(collection.Document, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if id != "" {
		out["_id"] = id
	}
	return out
}
