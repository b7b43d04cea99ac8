package replication

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeStore is a minimal in-memory replication.Store used across this
// package's tests. It models the same "lists" concept docstore uses: every
// document belongs to a named list (empty string for the default document
// list), ordered by insertion-assigned etag.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]JsonDocument
	lists   map[string][]JsonDocument
	touches map[string]RecentTouch
	attachs map[string][]byte
	counter int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    make(map[string]JsonDocument),
		lists:   make(map[string][]JsonDocument),
		touches: make(map[string]RecentTouch),
		attachs: make(map[string][]byte),
	}
}

func (s *fakeStore) nextEtag() Etag {
	s.counter++
	return Etag(string(rune('a' + s.counter - 1)))
}

// putDoc is a test helper that inserts a document into list directly,
// bypassing Put's optimistic-concurrency check, for pre-seeding fixtures.
func (s *fakeStore) putDoc(list, key string, metadata map[string]any, data []byte) JsonDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := JsonDocument{Key: key, Etag: s.nextEtag(), Metadata: metadata, Data: data}
	s.docs[key] = doc
	s.lists[list] = append(s.lists[list], doc)
	sort.SliceStable(s.lists[list], func(i, j int) bool { return s.lists[list][i].Etag.Less(s.lists[list][j].Etag) })
	return doc
}

func (s *fakeStore) putAttachment(key string, metadata map[string]any, payload []byte) AttachmentInformation {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag := s.nextEtag()
	s.attachs[key] = payload
	doc := JsonDocument{Key: key, Etag: etag, Metadata: metadata, Data: payload}
	s.lists["__attachments__"] = append(s.lists["__attachments__"], doc)
	sort.SliceStable(s.lists["__attachments__"], func(i, j int) bool {
		return s.lists["__attachments__"][i].Etag.Less(s.lists["__attachments__"][j].Etag)
	})
	return AttachmentInformation{Key: key, Etag: etag, Metadata: metadata, Size: int64(len(payload))}
}

func (s *fakeStore) Get(ctx context.Context, key string) (*JsonDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[key]; ok {
		cp := d
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) Put(ctx context.Context, key string, expectedEtag *Etag, data []byte, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := JsonDocument{Key: key, Etag: s.nextEtag(), Metadata: metadata, Data: data}
	s.docs[key] = doc
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string, expectedEtag *Etag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}

func (s *fakeStore) GetDocumentsWithIDStartingWith(ctx context.Context, prefix string, skip, take int, token string) ([]JsonDocument, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []JsonDocument
	for _, d := range s.docs {
		if strings.HasPrefix(d.Key, prefix) {
			matches = append(matches, d)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Key < matches[j].Key })

	if skip > len(matches) {
		return nil, "", nil
	}
	end := skip + take
	if end > len(matches) {
		end = len(matches)
	}
	page := matches[skip:end]

	next := ""
	if end < len(matches) {
		next = "more"
	}
	return page, next, nil
}

func (s *fakeStore) Batch(ctx context.Context, action func(ctx context.Context, accessor StorageAccessor) error) error {
	accessor := StorageAccessor{
		Staleness:   fakeStaleness{s},
		Attachments: fakeAttachments{s},
		Lists:       fakeLists{s},
	}
	return action(ctx, accessor)
}

func (s *fakeStore) GetRecentTouchesFor(ctx context.Context, key string) (*RecentTouch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.touches[key]; ok {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

type fakeStaleness struct{ s *fakeStore }

func (f fakeStaleness) GetMostRecentDocumentEtag(ctx context.Context) (Etag, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	list := f.s.lists[""]
	if len(list) == 0 {
		return EmptyEtag, nil
	}
	return list[len(list)-1].Etag, nil
}

type fakeAttachments struct{ s *fakeStore }

func (f fakeAttachments) GetAttachmentsAfter(ctx context.Context, after Etag, take int, sizeLimit int64) ([]AttachmentInformation, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	list := f.s.lists["__attachments__"]
	var out []AttachmentInformation
	var cumulative int64
	for _, d := range list {
		if !after.Less(d.Etag) {
			continue
		}
		if len(out) >= take {
			break
		}
		size := int64(len(d.Data))
		if len(out) > 0 && cumulative+size > sizeLimit {
			break
		}
		cumulative += size
		out = append(out, AttachmentInformation{Key: d.Key, Etag: d.Etag, Metadata: d.Metadata, Size: size})
	}
	return out, nil
}

func (f fakeAttachments) GetAttachment(ctx context.Context, key string) ([]byte, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.attachs[key], nil
}

type fakeLists struct{ s *fakeStore }

func (f fakeLists) Read(ctx context.Context, name string, from Etag, to *Etag, take int) ([]JsonDocument, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	list := f.s.lists[name]
	var out []JsonDocument
	for _, d := range list {
		if !from.Less(d.Etag) {
			continue
		}
		if to != nil && to.Less(d.Etag) {
			continue
		}
		out = append(out, d)
		if len(out) >= take {
			break
		}
	}
	return out, nil
}

// fakePrefetcher hands out documents straight from a fakeStore's default
// list, with no batch-size adaptation — tests that need throttling behavior
// construct their own stub instead.
type fakePrefetcher struct {
	store    *fakeStore
	take     int
	filterFn func(JsonDocument) bool

	mu       sync.Mutex
	disposed bool
}

func (p *fakePrefetcher) GetDocumentsBatchFrom(ctx context.Context, etag Etag) ([]JsonDocument, error) {
	take := p.take
	if take == 0 {
		take = 100
	}
	var docs []JsonDocument
	_ = p.store.Batch(ctx, func(ctx context.Context, accessor StorageAccessor) error {
		var err error
		docs, err = accessor.Lists.Read(ctx, "", etag, nil, take)
		return err
	})
	return docs, nil
}

func (p *fakePrefetcher) FilterDocuments(doc JsonDocument) bool {
	if p.filterFn != nil {
		return p.filterFn(doc)
	}
	return true
}

func (p *fakePrefetcher) UpdateAutoThrottler(docs []JsonDocument, elapsed time.Duration) {}
func (p *fakePrefetcher) OutOfMemoryHappened()                                           {}
func (p *fakePrefetcher) CleanupDocuments(uptoEtag Etag)                                 {}

func (p *fakePrefetcher) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
}

func (p *fakePrefetcher) isDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// fakeWorkContext is a no-op WorkContext for tests that don't need the real
// WorkSignal's blocking behavior.
type fakeWorkContext struct {
	mu        sync.Mutex
	notified  int
	foundWork int
}

func (w *fakeWorkContext) WaitForWork(ctx context.Context, timeout time.Duration, counter *int64, name string) bool {
	return false
}

func (w *fakeWorkContext) NotifyAboutWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notified++
}

func (w *fakeWorkContext) UpdateFoundWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.foundWork++
}

// fakeTransport implements HttpTransport against a scripted response queue.
type fakeTransport struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     []Request
}

type fakeResponse struct {
	status int
	body   []byte
	err    error
}

func (f *fakeTransport) Do(ctx context.Context, req Request) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.responses) == 0 {
		return 200, []byte(`{}`), nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.status, r.body, r.err
}

// fakeAlerts records every raised alert.
type fakeAlerts struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *fakeAlerts) Add(ctx context.Context, alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}
