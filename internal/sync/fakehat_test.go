package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/db"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/hat"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/metrics"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/prefs"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

var base = time.Date(2017, 3, 1, 9, 0, 0, 0, time.UTC)

func defaultFields() []hat.Field {
	return []hat.Field{
		{ID: 101, Name: models.FieldLatitude},
		{ID: 102, Name: models.FieldLongitude},
		{ID: 103, Name: models.FieldAccuracy},
		{ID: 104, Name: models.FieldTimestamp},
	}
}

// fakeHAT serves the table and record endpoints from memory.
type fakeHAT struct {
	t *testing.T

	mu           sync.Mutex
	exists       bool
	tableID      int64
	fields       []hat.Field
	probeFields  bool
	lookupStatus int
	getStatus    int
	createStatus int
	postStatus   int
	postDelay    time.Duration
	postGate     chan struct{}
	postEntered  chan struct{}
	ackFn        func([]hat.RecordValues) []hat.RecordAck

	requests []string
	created  []hat.TableDefinition
	posted   [][]hat.RecordValues
}

func newFakeHAT(t *testing.T) *fakeHAT {
	return &fakeHAT{
		t:           t,
		exists:      true,
		tableID:     42,
		fields:      defaultFields(),
		probeFields: true,
	}
}

func (f *fakeHAT) set(fn func(f *fakeHAT)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeHAT) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeHAT) count(prefix string) int {
	n := 0
	for _, r := range f.requestLog() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeHAT) postedBatches() [][]hat.RecordValues {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]hat.RecordValues(nil), f.posted...)
}

func (f *fakeHAT) table(name, source string, withFields bool) hat.Table {
	table := hat.Table{ID: f.tableID, Name: name, Source: source}
	if withFields {
		table.Fields = append([]hat.Field{}, f.fields...)
	}
	return table
}

func (f *fakeHAT) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/data/table":
		f.mu.Lock()
		status, exists := f.lookupStatus, f.exists
		table := f.table(r.URL.Query().Get("name"), r.URL.Query().Get("source"), f.probeFields)
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(table)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/data/table/"):
		f.mu.Lock()
		status, exists := f.getStatus, f.exists
		table := f.table("", "", true)
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(table)

	case r.Method == http.MethodPost && r.URL.Path == "/data/table":
		var def hat.TableDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.created = append(f.created, def)
		status := f.createStatus
		if status == 0 {
			f.exists = true
		}
		table := f.table(def.Name, def.Source, true)
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(table)

	case r.Method == http.MethodPost && r.URL.Path == "/data/record/values":
		f.mu.Lock()
		gate, entered, delay, status, ackFn := f.postGate, f.postEntered, f.postDelay, f.postStatus, f.ackFn
		f.mu.Unlock()

		if entered != nil {
			entered <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		var records []hat.RecordValues
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.posted = append(f.posted, records)
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}

		var acks []hat.RecordAck
		if ackFn != nil {
			acks = ackFn(records)
		} else {
			acks = echoAcks(records)
		}
		json.NewEncoder(w).Encode(acks)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// echoAcks acknowledges every record with the lastUpdated it was posted with.
func echoAcks(records []hat.RecordValues) []hat.RecordAck {
	acks := make([]hat.RecordAck, len(records))
	for i, rec := range records {
		acks[i] = hat.RecordAck{Record: rec.Record}
	}
	return acks
}

// fakeTokens counts token requests and invalidations.
type fakeTokens struct {
	token       string
	err         error
	calls       atomic.Int32
	invalidated atomic.Int32
}

func (p *fakeTokens) Token(ctx context.Context) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return p.token, nil
}

func (p *fakeTokens) Invalidate() {
	p.invalidated.Add(1)
}

type harness struct {
	store   *db.DB
	hat     *fakeHAT
	client  *hat.Client
	tokens  *fakeTokens
	prefs   *prefs.MemoryStore
	metrics *metrics.Metrics
	syncer  *Syncer
}

func newHarness(t *testing.T, configure ...func(*SyncerConfig)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := db.New(filepath.Join(t.TempDir(), "samples.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := newFakeHAT(t)
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg := DefaultSyncerConfig()
	for _, c := range configure {
		c(&cfg)
	}

	h := &harness{
		store:   store,
		hat:     fake,
		client:  hat.NewClient(server.URL, 2*time.Second, logger),
		tokens:  &fakeTokens{token: "user-token"},
		prefs:   prefs.NewMemoryStore(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.syncer = NewSyncer(store, h.tokens, h.client, &cfg,
		WithPrefs(h.prefs),
		WithMetrics(h.metrics),
		WithLogger(logger))
	return h
}

// withTimeout replaces the HAT client with one using a short request timeout.
func (h *harness) withTimeout(t *testing.T, timeout time.Duration) {
	server := httptest.NewServer(h.hat)
	t.Cleanup(server.Close)
	client := hat.NewClient(server.URL, timeout, zaptest.NewLogger(t))
	h.syncer.resolver = NewResolver(client, h.syncer.config.SourceName, h.syncer.config.Source, nil)
	h.syncer.uploader = NewUploader(client, nil)
}

func (h *harness) enqueue(t *testing.T, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		id, err := h.store.Enqueue(context.Background(), models.Sample{
			Latitude:   51.5 + float64(i)/10000,
			Longitude:  -0.1275,
			Accuracy:   10,
			CapturedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func (h *harness) pendingIDs(t *testing.T) []int64 {
	t.Helper()
	batch, err := h.store.PendingBatch(context.Background(), 1000)
	require.NoError(t, err)
	ids := make([]int64, len(batch))
	for i, s := range batch {
		ids[i] = s.ID
	}
	return ids
}

var errTokenExchange = errors.New("token exchange failed")
