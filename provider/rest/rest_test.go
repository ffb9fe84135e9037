package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/entsync"
	"github.com/erfanmomeniii/entsync/curler"
	"github.com/erfanmomeniii/entsync/provider/rest"
)

// fakeAPI serves a camelCase user collection wrapped in {"data": [...]}.
type fakeAPI struct {
	mu      sync.Mutex
	users   map[string]map[string]any
	next    int
	queries []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{users: make(map[string]map[string]any)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		var u map[string]any
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		api.mu.Lock()
		api.next++
		u["id"] = api.next
		api.users[strconv.Itoa(api.next)] = u
		api.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(u)
	})
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		u, ok := api.users[r.PathValue("id")]
		api.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	})
	mux.HandleFunc("PUT /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&patch)
		api.mu.Lock()
		defer api.mu.Unlock()
		u, ok := api.users[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		for k, v := range patch {
			u[k] = v
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		if _, ok := api.users[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(api.users, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		api.queries = append(api.queries, r.URL.RawQuery)

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		var items []map[string]any
		for i := 1; i <= api.next; i++ {
			if u, ok := api.users[strconv.Itoa(i)]; ok {
				items = append(items, u)
			}
		}
		// Two items per page.
		start := page * 2
		end := min(start+2, len(items))
		if start > len(items) {
			start = end
		}
		if end < len(items) {
			q := r.URL.Query()
			q.Set("page", strconv.Itoa(page+1))
			w.Header().Set("Link", `</users?`+q.Encode()+`>; rel="next"`)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items[start:end]})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, srv
}

func newProvider(t *testing.T, srv *httptest.Server, opts ...rest.Option) *entsync.Dispatcher {
	t.Helper()
	c, err := curler.New(srv.URL)
	require.NoError(t, err)
	opts = append([]rest.Option{
		rest.WithNaming(entsync.NewCaseResolver(entsync.CamelCase)),
		rest.WithEndpoint("user", rest.Endpoint{ListKey: "data"}),
	}, opts...)
	return entsync.NewRegistry().MustRegister(rest.New(c, opts...))
}

func TestCRUD(t *testing.T) {
	_, srv := newFakeAPI(t)
	d := newProvider(t, srv)
	ctx := context.Background()

	created, err := d.Create(ctx, "user", entsync.Record{"firstName": "Ada"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, created["id"])

	updated, err := d.Update(ctx, "user", "1", entsync.Record{"lastName": "Lovelace"})
	require.NoError(t, err)
	assert.Equal(t, "1", updated["id"])

	got, err := d.Get(ctx, "user", "1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["firstName"])
	assert.Equal(t, "Lovelace", got["lastName"])

	require.NoError(t, d.Delete(ctx, "user", "1"))
	_, err = d.Get(ctx, "user", "1")
	assert.ErrorIs(t, err, entsync.ErrNotFound)
	assert.ErrorIs(t, err, curler.ErrNotFound)
}

func TestListFollowsPagesAndFilters(t *testing.T) {
	api, srv := newFakeAPI(t)
	d := newProvider(t, srv)
	ctx := context.Background()

	for _, name := range []string{"Ada", "Grace", "Ada", "Linus", "Ada"} {
		_, err := d.Create(ctx, "user", entsync.Record{"firstName": name})
		require.NoError(t, err)
	}

	all, err := d.GetList(ctx, "user", entsync.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	adas, err := d.GetList(ctx, "user", entsync.Filter{Where: map[string]any{"first_name": "Ada"}})
	require.NoError(t, err)
	assert.Len(t, adas, 3)

	api.mu.Lock()
	assert.Contains(t, api.queries, "firstName=Ada")
	api.mu.Unlock()

	byID, err := d.GetList(ctx, "user", entsync.Filter{IDs: []string{"2", "4"}})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, "Grace", byID[0]["firstName"])
}

func TestRestrictedOperations(t *testing.T) {
	_, srv := newFakeAPI(t)
	d := newProvider(t, srv, rest.WithEndpoint("user", rest.Endpoint{
		ListKey:    "data",
		Operations: []entsync.Operation{entsync.OpGetList},
	}))

	assert.True(t, d.Native("user", entsync.OpGetList))
	assert.False(t, d.Native("user", entsync.OpCreate))
	assert.False(t, d.Supports("user", entsync.OpDelete))

	_, err := d.Create(context.Background(), "user", entsync.Record{})
	var nie *entsync.OperationNotImplementedError
	require.ErrorAs(t, err, &nie)
	assert.Equal(t, "rest", nie.Provider)
}

func TestHealthCheck(t *testing.T) {
	_, srv := newFakeAPI(t)
	c, err := curler.New(srv.URL)
	require.NoError(t, err)

	assert.NoError(t, rest.New(c).HealthCheck(context.Background()))
	assert.ErrorIs(t, rest.New(c, rest.WithHealthPath("missing")).HealthCheck(context.Background()), curler.ErrNotFound)
	assert.NoError(t, rest.New(c, rest.WithHealthPath("")).HealthCheck(context.Background()))
}

func TestNewPanicsOnNilClient(t *testing.T) {
	assert.Panics(t, func() { rest.New(nil) })
}
