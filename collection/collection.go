// Package collection implements the local, process-shared document
// store (spec component D): a named bag of BSON documents with
// MongoDB-style selector/modifier semantics and the pre/post change
// signals live queries and the DDP bridge consume.
package collection

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/ddpkit/ddp/ddperr"
	"github.com/ddpkit/ddp/internal/observability"
	"github.com/ddpkit/ddp/internal/signal"
)

// Document is the JSON-object-shaped value this package stores and
// queries. Field order is not semantically significant (spec §3), so a
// plain map is sufficient.
type Document = bson.M

// AddedEvent is the payload of the document_added signal.
type AddedEvent struct {
	ID     string
	Fields Document
}

// PreChangedEvent is the payload of the internal document_pre_changed
// signal. Before and After are full documents, including _id.
type PreChangedEvent struct {
	ID     string
	Before Document
	After  Document
}

// ChangedEvent is the payload of the public document_changed signal.
type ChangedEvent struct {
	ID      string
	Changed Document
	Cleared []string
}

// PreRemovedEvent is the payload of the internal document_pre_removed
// signal. Doc is the full document being removed.
type PreRemovedEvent struct {
	ID  string
	Doc Document
}

// RemovedEvent is the payload of the public document_removed signal.
type RemovedEvent struct {
	ID string
}

// Collection is a named, process-shared bag of documents. Two
// Collection handles opened with the same name (in the same Store)
// resolve to the same instance, sharing both documents and listeners —
// this is "the same collection", not a synchronized copy.
type Collection struct {
	name    string
	store   *Store
	engine  *Engine
	logger  *zap.Logger
	metrics *observability.Collector

	mu    sync.RWMutex
	order []string
	docs  map[string]Document
	refs  int

	added      *signal.Dispatcher[AddedEvent]
	preChanged *signal.Dispatcher[PreChangedEvent]
	changed    *signal.Dispatcher[ChangedEvent]
	preRemoved *signal.Dispatcher[PreRemovedEvent]
	removed    *signal.Dispatcher[RemovedEvent]
}

func (c *Collection) initSignals() {
	c.added = signal.New[AddedEvent]()
	c.preChanged = signal.New[PreChangedEvent]()
	c.changed = signal.New[ChangedEvent]()
	c.preRemoved = signal.New[PreRemovedEvent]()
	c.removed = signal.New[RemovedEvent]()
}

// Option configures New.
type Option func(*collOptions)

type collOptions struct {
	store   *Store
	logger  *zap.Logger
	metrics *observability.Collector
}

// WithStore opens the collection against an explicit Store instead of
// the process-wide DefaultStore.
func WithStore(s *Store) Option { return func(o *collOptions) { o.store = s } }

// WithLogger attaches a logger; omitted, a no-op logger is used.
func WithLogger(l *zap.Logger) Option { return func(o *collOptions) { o.logger = l } }

// WithMetrics attaches a metrics collector; nil (the default) disables
// metrics recording.
func WithMetrics(m *observability.Collector) Option { return func(o *collOptions) { o.metrics = m } }

// New opens (or, if another handle with the same name is already open
// in the same Store, shares) a collection named name. An empty name
// fails InvalidCollectionName (spec §8).
func New(name string, opts ...Option) (*Collection, error) {
	if name == "" {
		return nil, ddperr.New(ddperr.InvalidCollectionName, "collection name must not be empty")
	}
	var o collOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = DefaultStore()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o.store.open(name, o.logger, o.metrics)
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Close releases this handle's reference to the collection. When the
// last handle sharing this name closes, its documents are dropped; when
// the last collection open anywhere in the Store closes, the backing
// file is closed too.
func (c *Collection) Close() error {
	return c.store.release(c.name)
}

// On* register listeners and return a Token usable with the matching
// Off*/Suppress* method. Listeners run synchronously, inline with the
// mutation that triggered them (spec §5).

func (c *Collection) OnDocumentAdded(fn func(AddedEvent)) signal.Token   { return c.added.On(fn) }
func (c *Collection) OnceDocumentAdded(fn func(AddedEvent)) signal.Token { return c.added.Once(fn) }
func (c *Collection) OffDocumentAdded(tok signal.Token)                  { c.added.Off(tok) }
func (c *Collection) SuppressDocumentAdded(tok signal.Token) func()      { return c.added.Suppress(tok) }
func (c *Collection) DocumentAddedSuppressed(tok signal.Token) bool      { return c.added.Suppressed(tok) }

func (c *Collection) OnDocumentPreChanged(fn func(PreChangedEvent)) signal.Token {
	return c.preChanged.On(fn)
}
func (c *Collection) OffDocumentPreChanged(tok signal.Token) { c.preChanged.Off(tok) }
func (c *Collection) SuppressDocumentPreChanged(tok signal.Token) func() {
	return c.preChanged.Suppress(tok)
}

func (c *Collection) OnDocumentChanged(fn func(ChangedEvent)) signal.Token   { return c.changed.On(fn) }
func (c *Collection) OnceDocumentChanged(fn func(ChangedEvent)) signal.Token { return c.changed.Once(fn) }
func (c *Collection) OffDocumentChanged(tok signal.Token)                    { c.changed.Off(tok) }
func (c *Collection) SuppressDocumentChanged(tok signal.Token) func()       { return c.changed.Suppress(tok) }
func (c *Collection) DocumentChangedSuppressed(tok signal.Token) bool       { return c.changed.Suppressed(tok) }

func (c *Collection) OnDocumentPreRemoved(fn func(PreRemovedEvent)) signal.Token {
	return c.preRemoved.On(fn)
}
func (c *Collection) OffDocumentPreRemoved(tok signal.Token) { c.preRemoved.Off(tok) }
func (c *Collection) SuppressDocumentPreRemoved(tok signal.Token) func() {
	return c.preRemoved.Suppress(tok)
}

func (c *Collection) OnDocumentRemoved(fn func(RemovedEvent)) signal.Token   { return c.removed.On(fn) }
func (c *Collection) OnceDocumentRemoved(fn func(RemovedEvent)) signal.Token { return c.removed.Once(fn) }
func (c *Collection) OffDocumentRemoved(tok signal.Token)                    { c.removed.Off(tok) }
func (c *Collection) SuppressDocumentRemoved(tok signal.Token) func()       { return c.removed.Suppress(tok) }
func (c *Collection) DocumentRemovedSuppressed(tok signal.Token) bool       { return c.removed.Suppressed(tok) }

// Find returns every document matching selector, in store order. A nil
// selector matches every document.
func (c *Collection) Find(selector Document) []Document {
	if selector == nil {
		selector = Document{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		if doc, ok := c.docs[id]; ok && c.engine.Match(selector, doc) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out
}

// FindOne returns the first document matching selector in store order,
// or an empty Document if none matches.
func (c *Collection) FindOne(selector Document) Document {
	if selector == nil {
		selector = Document{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		if doc, ok := c.docs[id]; ok && c.engine.Match(selector, doc) {
			return cloneDoc(doc)
		}
	}
	return Document{}
}

// Count returns the number of documents matching selector.
func (c *Collection) Count(selector Document) int {
	if selector == nil {
		selector = Document{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, id := range c.order {
		if doc, ok := c.docs[id]; ok && c.engine.Match(selector, doc) {
			n++
		}
	}
	return n
}

// Insert stores doc, generating an _id if doc does not already carry a
// valid 24-hex object id, and fires document_added. A supplied _id that
// is not a valid object id fails InvalidID (spec §8).
func (c *Collection) Insert(doc Document) (string, error) {
	in := cloneDoc(doc)

	var id string
	if raw, ok := in["_id"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", ddperr.New(ddperr.InvalidID, "_id must be a 24-hex-character string")
		}
		if _, err := primitive.ObjectIDFromHex(s); err != nil {
			return "", ddperr.Wrap(ddperr.InvalidID, "_id is not a valid object id", err)
		}
		id = s
	} else {
		id = primitive.NewObjectID().Hex()
		in["_id"] = id
	}

	c.mu.Lock()
	if _, exists := c.docs[id]; exists {
		c.mu.Unlock()
		return "", ddperr.New(ddperr.InvalidID, "a document with this _id already exists")
	}
	c.docs[id] = in
	c.order = append(c.order, id)
	c.mu.Unlock()

	fields := cloneDoc(in)
	delete(fields, "_id")
	c.added.Fire(AddedEvent{ID: id, Fields: fields})
	if c.metrics != nil {
		c.metrics.DocumentApplied(c.name, "insert")
	}
	return id, nil
}

// Update applies modifier to every document matching selector and
// returns the number matched. modifier must contain at least one
// recognized operator.
func (c *Collection) Update(selector, modifier Document) (int, error) {
	return c.updateMatching(selector, modifier, false)
}

// Upsert behaves like Update, except that when no document matches
// selector a new document is inserted from modifier instead.
func (c *Collection) Upsert(selector, modifier Document) (int, error) {
	return c.updateMatching(selector, modifier, true)
}

func (c *Collection) updateMatching(selector, modifier Document, upsert bool) (int, error) {
	if selector == nil {
		selector = Document{}
	}
	if err := c.engine.ValidateModifier(modifier); err != nil {
		return 0, err
	}

	c.mu.RLock()
	var matchedIDs []string
	for _, id := range c.order {
		if c.engine.Match(selector, c.docs[id]) {
			matchedIDs = append(matchedIDs, id)
		}
	}
	c.mu.RUnlock()

	if len(matchedIDs) == 0 {
		if !upsert {
			return 0, nil
		}
		seed, err := c.engine.Apply(modifier, Document{})
		if err != nil {
			return 0, err
		}
		delete(seed, "_id")
		if _, err := c.Insert(seed); err != nil {
			return 0, err
		}
		return 1, nil
	}

	n := 0
	for _, id := range matchedIDs {
		c.mu.RLock()
		existing, ok := c.docs[id]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		before := cloneDoc(existing)

		after, err := c.engine.Apply(modifier, before)
		if err != nil {
			return n, err
		}
		after["_id"] = id

		if docsEqual(before, after) {
			n++
			continue
		}

		c.preChanged.Fire(PreChangedEvent{ID: id, Before: before, After: after})

		c.mu.Lock()
		c.docs[id] = after
		c.mu.Unlock()

		changed, cleared := Diff(before, after)
		c.changed.Fire(ChangedEvent{ID: id, Changed: changed, Cleared: cleared})
		if c.metrics != nil {
			c.metrics.DocumentApplied(c.name, "update")
		}
		n++
	}
	return n, nil
}

// Remove deletes every document matching selector and returns the
// number removed.
func (c *Collection) Remove(selector Document) (int, error) {
	if selector == nil {
		selector = Document{}
	}
	c.mu.RLock()
	var matchedIDs []string
	for _, id := range c.order {
		if c.engine.Match(selector, c.docs[id]) {
			matchedIDs = append(matchedIDs, id)
		}
	}
	c.mu.RUnlock()

	n := 0
	for _, id := range matchedIDs {
		c.mu.RLock()
		existing, ok := c.docs[id]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		doc := cloneDoc(existing)

		c.preRemoved.Fire(PreRemovedEvent{ID: id, Doc: doc})

		c.mu.Lock()
		delete(c.docs, id)
		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		c.mu.Unlock()

		c.removed.Fire(RemovedEvent{ID: id})
		if c.metrics != nil {
			c.metrics.DocumentApplied(c.name, "remove")
		}
		n++
	}
	return n, nil
}

// ApplyAdded commits a server-originated "added" event for id. If id
// already exists locally — the common case, since it is usually this
// client's own prior Insert being echoed back with authoritative fields
// — fields are merged in as an update; otherwise a new document is
// inserted under that id. Callers (the DDP bridge) are expected to
// suppress their own forward-push listeners for the duration of this
// call so the merge is not re-forwarded to the server.
func (c *Collection) ApplyAdded(id string, fields Document) {
	c.mu.RLock()
	existing, ok := c.docs[id]
	c.mu.RUnlock()

	if !ok {
		doc := cloneDoc(fields)
		doc["_id"] = id
		c.mu.Lock()
		c.docs[id] = doc
		c.order = append(c.order, id)
		c.mu.Unlock()

		out := cloneDoc(doc)
		delete(out, "_id")
		c.added.Fire(AddedEvent{ID: id, Fields: out})
		return
	}

	before := cloneDoc(existing)
	after := cloneDoc(existing)
	for k, v := range fields {
		after[k] = v
	}
	after["_id"] = id
	if docsEqual(before, after) {
		return
	}

	c.preChanged.Fire(PreChangedEvent{ID: id, Before: before, After: after})
	c.mu.Lock()
	c.docs[id] = after
	c.mu.Unlock()
	changed, cleared := Diff(before, after)
	c.changed.Fire(ChangedEvent{ID: id, Changed: changed, Cleared: cleared})
}

// ApplyChanged commits a server-originated "changed" event for id. If id
// is not present locally the event is dropped — there is nothing to
// change.
func (c *Collection) ApplyChanged(id string, fields Document, cleared []string) {
	c.mu.RLock()
	existing, ok := c.docs[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	before := cloneDoc(existing)
	after := cloneDoc(existing)
	for k, v := range fields {
		after[k] = v
	}
	for _, k := range cleared {
		delete(after, k)
	}
	after["_id"] = id
	if docsEqual(before, after) {
		return
	}

	c.preChanged.Fire(PreChangedEvent{ID: id, Before: before, After: after})
	c.mu.Lock()
	c.docs[id] = after
	c.mu.Unlock()
	diffChanged, diffCleared := Diff(before, after)
	c.changed.Fire(ChangedEvent{ID: id, Changed: diffChanged, Cleared: diffCleared})
}

// ApplyRemoved commits a server-originated "removed" event for id. If id
// is not present locally the event is dropped.
func (c *Collection) ApplyRemoved(id string) {
	c.mu.RLock()
	existing, ok := c.docs[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	doc := cloneDoc(existing)

	c.preRemoved.Fire(PreRemovedEvent{ID: id, Doc: doc})
	c.mu.Lock()
	delete(c.docs, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.removed.Fire(RemovedEvent{ID: id})
}
