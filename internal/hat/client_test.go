package hat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 0, zaptest.NewLogger(t))
}

func TestLookupTable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/data/table", r.URL.Path)
		assert.Equal(t, "locations", r.URL.Query().Get("name"))
		assert.Equal(t, "iphone", r.URL.Query().Get("source"))
		assert.Equal(t, "tok", r.Header.Get(AuthHeader))
		w.Write([]byte(`{"id":12,"name":"locations","source":"iphone","fields":[{"id":1,"name":"latitude"}]}`))
	})

	table, err := client.LookupTable(context.Background(), "tok", "locations", "iphone")
	require.NoError(t, err)
	assert.Equal(t, int64(12), table.ID)
	require.Len(t, table.Fields, 1)
	assert.Equal(t, Field{ID: 1, Name: "latitude"}, table.Fields[0])
}

func TestLookupTableNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})

	_, err := client.LookupTable(context.Background(), "tok", "locations", "iphone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTableNotFound))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestLookupTableMissingID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"locations"}`))
	})

	_, err := client.LookupTable(context.Background(), "tok", "locations", "iphone")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTableNotFound))
}

func TestUnauthorizedMapsToSentinel(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.GetTable(context.Background(), "tok", 3)
		assert.True(t, errors.Is(err, ErrUnauthorized), "status %d", status)
		assert.False(t, errors.Is(err, ErrTableNotFound), "status %d", status)
	}
}

func TestGetTable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/table/12", r.URL.Path)
		w.Write([]byte(`{"id":12,"fields":[{"id":1,"name":"latitude"},{"id":2,"name":"longitude"}]}`))
	})

	table, err := client.GetTable(context.Background(), "tok", 12)
	require.NoError(t, err)
	assert.Len(t, table.Fields, 2)
}

func TestGetTableWithoutFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":12}`))
	})

	_, err := client.GetTable(context.Background(), "tok", 12)
	assert.Error(t, err)
}

func TestCreateTable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/data/table", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"name":"locations","source":"iphone","fields":[{"name":"latitude"},{"name":"longitude"}]}`, string(raw))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":12,"name":"locations"}`))
	})

	err := client.CreateTable(context.Background(), "tok", TableDefinition{
		Name:   "locations",
		Source: "iphone",
		Fields: []Field{{Name: "latitude"}, {Name: "longitude"}},
	})
	require.NoError(t, err)
}

func TestCreateTableFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	})

	err := client.CreateTable(context.Background(), "tok", TableDefinition{Name: "locations", Source: "iphone"})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "bad")
}

func TestPostRecords(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/record/values", r.URL.Path)

		var records []RecordValues
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		if !assert.Len(t, records, 1) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "rec-1", records[0].Record.Name)
		assert.Equal(t, Value{Field: FieldRef{ID: 1, Name: "latitude"}, Value: "51.5"}, records[0].Values[0])

		w.Write([]byte(`[{"record":{"name":"rec-1","lastUpdated":"2017-01-20T12:00:00.000Z"}}]`))
	})

	acks, err := client.PostRecords(context.Background(), "tok", []RecordValues{{
		Record: Record{Name: "rec-1"},
		Values: []Value{{Field: FieldRef{ID: 1, Name: "latitude"}, Value: "51.5"}},
	}})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, "2017-01-20T12:00:00.000Z", acks[0].Record.LastUpdated)
}

func TestPostRecordsMalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"record":`))
	})

	_, err := client.PostRecords(context.Background(), "tok", []RecordValues{})
	assert.Error(t, err)
}

func TestErrorBodyIsSanitized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"accessToken":"leaked"}`))
	})

	_, err := client.PostRecords(context.Background(), "tok", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "leaked")
}

func TestBuildURLKeepsBasePath(t *testing.T) {
	c := NewClient("https://alice.hat/api/", 0, nil)
	got, err := c.buildURL("data", "table", "5")
	require.NoError(t, err)
	assert.Equal(t, "https://alice.hat/api/data/table/5", got)
}
