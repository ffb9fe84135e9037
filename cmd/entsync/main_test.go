package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/entsync/internal/config"
)

type staticLoader struct {
	cfg *config.Config
}

func (l staticLoader) Load(_ context.Context, opts config.LoadOptions) (*config.Config, error) {
	cfg := *l.cfg
	if lvl, ok := opts.Overrides["log_level"].(string); ok {
		cfg.LogLevel = lvl
	}
	return &cfg, cfg.Validate()
}

// fakeUsers is a small REST API for the user collection.
type fakeUsers struct {
	mu    sync.Mutex
	users map[string]map[string]any
	next  int
}

func newFakeUsers(t *testing.T) *httptest.Server {
	t.Helper()
	api := &fakeUsers{users: map[string]map[string]any{
		"1": {"id": "1", "name": "Ada", "role": "admin"},
		"2": {"id": "2", "name": "Grace", "role": "user"},
	}, next: 3}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		out := []map[string]any{}
		for _, id := range []string{"1", "2", "3", "4"} {
			if u, ok := api.users[id]; ok {
				out = append(out, u)
			}
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		u, ok := api.users[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, u)
	})
	mux.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		var u map[string]any
		_ = json.NewDecoder(r.Body).Decode(&u)
		id := strconv.Itoa(api.next)
		api.next++
		u["id"] = id
		api.users[id] = u
		writeJSON(w, http.StatusCreated, u)
	})
	mux.HandleFunc("DELETE /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		delete(api.users, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Providers = []config.ProviderConfig{
		{
			Name:       "api",
			Type:       config.TypeREST,
			BaseURL:    baseURL,
			HealthPath: "users",
			Entities:   map[string]config.EntityConfig{"user": {}},
		},
		{Name: "scratch", Type: config.TypeMemory, Entities: map[string]config.EntityConfig{"note": {}}},
	}
	cfg.Bindings = map[string]string{"note": "scratch"}
	return cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newCLI(&stdout, &stderr, staticLoader{cfg: cfg}).command()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestGet(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "get", "user", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","name":"Ada","role":"admin"}`, out)
}

func TestGetNotFound(t *testing.T) {
	srv := newFakeUsers(t)
	_, err := execute(t, testConfig(srv.URL), "get", "user", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListWithFilterAsYAML(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "list", "user", "--where", "role=admin", "-o", "yaml")
	require.NoError(t, err)
	assert.Equal(t, "- id: \"1\"\n  name: Ada\n  role: admin\n", out)
}

func TestListEmptyPrintsArray(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "list", "user", "--where", "role=guest")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestCreateFromData(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "create", "user", "-d", `{"name": "Linus"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"3","name":"Linus"}`, out)
}

func TestCreateListFromFile(t *testing.T) {
	srv := newFakeUsers(t)
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- name: Linus\n- name: Ken\n"), 0o600))

	out, err := execute(t, testConfig(srv.URL), "create", "user", "-f", path)
	require.NoError(t, err)

	var created []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Len(t, created, 2)
	assert.Equal(t, "Ken", created[1]["name"])
}

func TestCreateRequiresInput(t *testing.T) {
	srv := newFakeUsers(t)
	_, err := execute(t, testConfig(srv.URL), "create", "user")
	assert.Error(t, err)
}

func TestDeleteMany(t *testing.T) {
	srv := newFakeUsers(t)
	cfg := testConfig(srv.URL)

	out, err := execute(t, cfg, "delete", "user", "1", "2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":["1","2"]}`, out)

	out, err = execute(t, cfg, "list", "user")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestMemoryProviderRoundTrip(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "create", "note", "-d", "text: hello", "-o", "toml")
	require.NoError(t, err)
	assert.Regexp(t, `text = ['"]hello['"]`, out)
	assert.Regexp(t, `(?m)^id = 1$`, out)
}

func TestOps(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "ops", "user")
	require.NoError(t, err)

	var infos []entityInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "api", infos[0].Provider)

	native := make(map[string]bool)
	for _, op := range infos[0].Operations {
		native[op.Operation] = op.Native
	}
	assert.True(t, native["get-list"])
	assert.False(t, native["create-list"], "create-list is emulated")
}

func TestProviders(t *testing.T) {
	srv := newFakeUsers(t)
	out, err := execute(t, testConfig(srv.URL), "providers")
	require.NoError(t, err)

	var infos []providerInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, providerInfo{Name: "api", Default: true, Healthy: true}, infos[0])
	assert.Equal(t, providerInfo{Name: "scratch", Entities: []string{"note"}, Healthy: true}, infos[1])
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, testConfig("http://localhost"), "config", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "log_level: error")
	assert.Contains(t, out, "base_url: http://localhost")
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := execute(t, cfg, "get", "user", "1")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRunWithoutSource(t *testing.T) {
	_, err := execute(t, testConfig("http://localhost"), "run")
	assert.ErrorContains(t, err, "no pipeline source configured")
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := execute(t, testConfig(""), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "entsync dev"))
}

func TestParseWhere(t *testing.T) {
	got, err := parseWhere([]string{"age=42", "score=1.5", "active=true", "name=ada", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"age":    int64(42),
		"score":  1.5,
		"active": true,
		"name":   "ada",
		"note":   "a=b",
	}, got)

	_, err = parseWhere([]string{"broken"})
	assert.Error(t, err)
}

func TestScalarKeepsAmbiguousWordsAsStrings(t *testing.T) {
	for _, in := range []string{"t", "F", "TRUE", "inf", "-Inf", "nan", "NaN", "0x1p3"} {
		assert.Equal(t, in, scalar(in), in)
	}
	assert.Equal(t, true, scalar("true"))
	assert.Equal(t, false, scalar("false"))
	assert.Equal(t, 1e3, scalar("1e3"))
	assert.Equal(t, int64(-7), scalar("-7"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "provider", "api")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"provider":"api"`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
}
