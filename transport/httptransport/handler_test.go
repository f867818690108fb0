package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/synckit"
)

func newMaster(t *testing.T, name string) synckit.StorageInstance {
	t.Helper()
	s := memory.New(memory.WithLogger(logging.Discard()))
	inst, err := s.CreateInstance(context.Background(), synckit.InstanceConfig{
		DatabaseName:   "test",
		CollectionName: name,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func newServer(t *testing.T, master synckit.StorageInstance, opts ...ServerOption) *httptest.Server {
	t.Helper()
	opts = append([]ServerOption{WithServerLogger(logging.Discard())}, opts...)
	srv := httptest.NewServer(http.StripPrefix("/sync", NewHandler(synckit.NewInstanceEndpoint(master), opts...)))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithClientLogger(logging.Discard())}, opts...)
	return NewClient(srv.URL+"/sync/", opts...)
}

func TestClient_PushAndPull(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t, "heroes")
	client := newTestClient(newServer(t, master))

	var rows []synckit.WriteRow
	for i := range 12 {
		rows = append(rows, synckit.WriteRow{Document: synckit.NewDocument(fmt.Sprintf("h%02d", i), map[string]any{"n": float64(i)})})
	}
	rejected, err := client.PushRows(ctx, rows)
	require.NoError(t, err)
	assert.Empty(t, rejected)

	// Paging with a batch size of 5 yields 5, 5, 2 and then an empty page.
	var (
		checkpoint cursor.Cursor
		sizes      []int
		seen       []string
	)
	for {
		page, err := client.PullChanges(ctx, checkpoint, 5)
		require.NoError(t, err)
		if len(page.Documents) == 0 {
			assert.True(t, cursor.Equal(checkpoint, page.Checkpoint))
			break
		}
		sizes = append(sizes, len(page.Documents))
		for _, d := range page.Documents {
			seen = append(seen, d.ID)
		}
		checkpoint = page.Checkpoint
	}
	assert.Equal(t, []int{5, 5, 2}, sizes)
	assert.Len(t, seen, 12)
	assert.Equal(t, "h00", seen[0])
	assert.Equal(t, uint64(12), cursor.Seq(checkpoint))
}

func TestClient_PushConflict(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t, "heroes")
	client := newTestClient(newServer(t, master))

	base := synckit.NewDocument("a", map[string]any{"name": "ada"})
	_, err := client.PushRows(ctx, []synckit.WriteRow{{Document: base}})
	require.NoError(t, err)

	theirs := synckit.Update(base, map[string]any{"name": "grace"})
	_, err = master.BulkWrite(ctx, []synckit.WriteRow{{Document: theirs, Previous: &base}}, "other")
	require.NoError(t, err)

	mine := synckit.Update(base, map[string]any{"name": "linus"})
	rejected, err := client.PushRows(ctx, []synckit.WriteRow{
		{Document: synckit.NewDocument("b", map[string]any{"name": "bob"})},
		{Document: mine, Previous: &base},
	})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "a", rejected[0].DocumentID)
	assert.True(t, rejected[0].IsConflict())
	assert.Equal(t, theirs.Rev, rejected[0].RealMaster.Rev)
	assert.Equal(t, "grace", rejected[0].RealMaster.Data["name"])
}

func TestClient_Compression(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t, "big")
	client := newTestClient(newServer(t, master, WithCompressionThreshold(64)), WithGzipMinBytes(64))

	doc := synckit.NewDocument("big", map[string]any{"text": strings.Repeat("lorem ipsum ", 500)})
	rejected, err := client.PushRows(ctx, []synckit.WriteRow{{Document: doc}})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	page, err := client.PullChanges(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	assert.Equal(t, doc.Data["text"], page.Documents[0].Data["text"])
}

func TestClient_ResponseLimit(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t, "big")
	doc := synckit.NewDocument("big", map[string]any{"text": strings.Repeat("x", 8192)})
	_, err := master.BulkWrite(ctx, []synckit.WriteRow{{Document: doc}}, "app")
	require.NoError(t, err)

	client := newTestClient(newServer(t, master), WithMaxDecompressedResponseSize(1024))
	_, err = client.PullChanges(ctx, nil, 10)
	require.Error(t, err)
	assert.False(t, syncErrors.IsRetryable(err))
}

func TestClient_ErrorKinds(t *testing.T) {
	ctx := context.Background()

	t.Run("server unavailable is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondWithError(w, r, http.StatusServiceUnavailable, "shutting down", nil)
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, WithClientLogger(logging.Discard())).PullChanges(ctx, nil, 1)
		require.Error(t, err)
		assert.True(t, syncErrors.IsRetryable(err))
		assert.Contains(t, err.Error(), "shutting down")
	})

	t.Run("bad request is not retried", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondWithError(w, r, http.StatusBadRequest, "nope", nil)
		}))
		defer srv.Close()
		_, err := NewClient(srv.URL, WithClientLogger(logging.Discard())).PushRows(ctx, []synckit.WriteRow{
			{Document: synckit.NewDocument("a", nil)},
		})
		require.Error(t, err)
		assert.False(t, syncErrors.IsRetryable(err))
		assert.Equal(t, syncErrors.KindInvalid, syncErrors.KindOf(err))
	})

	t.Run("connection refused is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		client := NewClient(addr, WithClientLogger(logging.Discard()), WithClientTimeout(time.Second))
		_, err := client.PullChanges(ctx, nil, 1)
		require.Error(t, err)
		assert.True(t, syncErrors.IsRetryable(err))
	})

	t.Run("closed master is unavailable", func(t *testing.T) {
		master := newMaster(t, "closed")
		srv := newServer(t, master)
		require.NoError(t, master.Close())
		_, err := newTestClient(srv).PullChanges(ctx, nil, 1)
		require.Error(t, err)
		assert.True(t, syncErrors.IsRetryable(err))
	})
}

func TestHandler_Requests(t *testing.T) {
	master := newMaster(t, "heroes")
	handler := NewHandler(synckit.NewInstanceEndpoint(master), WithServerLogger(logging.Discard()))

	bigCheckpoint := url.QueryEscape(`{"kind":"integer","data":99}`)
	tests := []struct {
		name        string
		method      string
		target      string
		body        string
		contentType string
		wantStatus  int
	}{
		{name: "pull empty", method: http.MethodGet, target: "/pull", wantStatus: http.StatusOK},
		{name: "pull future checkpoint", method: http.MethodGet, target: "/pull?checkpoint=" + bigCheckpoint, wantStatus: http.StatusOK},
		{name: "pull bad checkpoint", method: http.MethodGet, target: "/pull?checkpoint=garbage", wantStatus: http.StatusBadRequest},
		{name: "pull unknown cursor kind", method: http.MethodGet, target: "/pull?checkpoint=" + url.QueryEscape(`{"kind":"hlc","data":1}`), wantStatus: http.StatusBadRequest},
		{name: "pull bad limit", method: http.MethodGet, target: "/pull?limit=-3", wantStatus: http.StatusBadRequest},
		{name: "pull with post", method: http.MethodPost, target: "/pull", wantStatus: http.StatusMethodNotAllowed},
		{name: "push with get", method: http.MethodGet, target: "/push", wantStatus: http.StatusMethodNotAllowed},
		{name: "push empty rows", method: http.MethodPost, target: "/push", body: `{"rows":[]}`, contentType: "application/json", wantStatus: http.StatusOK},
		{name: "push empty body", method: http.MethodPost, target: "/push", wantStatus: http.StatusBadRequest},
		{name: "push malformed", method: http.MethodPost, target: "/push", body: `{"rows":`, wantStatus: http.StatusBadRequest},
		{name: "push missing id", method: http.MethodPost, target: "/push", body: `{"rows":[{"document":{"rev":"1-a"}}]}`, wantStatus: http.StatusBadRequest},
		{name: "push text", method: http.MethodPost, target: "/push", body: `{}`, contentType: "text/plain", wantStatus: http.StatusUnsupportedMediaType},
		{name: "unknown path", method: http.MethodGet, target: "/latest-version", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestHandler_PullLimitIsCapped(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t, "heroes")
	var rows []synckit.WriteRow
	for i := range 10 {
		rows = append(rows, synckit.WriteRow{Document: synckit.NewDocument(fmt.Sprintf("d%d", i), nil)})
	}
	_, err := master.BulkWrite(ctx, rows, "app")
	require.NoError(t, err)

	handler := NewHandler(synckit.NewInstanceEndpoint(master), WithServerLogger(logging.Discard()), WithPullLimits(2, 4))
	for target, want := range map[string]int{"/pull": 2, "/pull?limit=3": 3, "/pull?limit=500": 4} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp PullResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Documents, want, target)
		require.NotNil(t, resp.Checkpoint)
		assert.Equal(t, cursor.KindInteger, resp.Checkpoint.Kind)
	}
}

func TestHandler_CompressesLargeResponses(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t, "heroes")
	_, err := master.BulkWrite(ctx, []synckit.WriteRow{
		{Document: synckit.NewDocument("a", map[string]any{"text": strings.Repeat("z", 4096)})},
	}, "app")
	require.NoError(t, err)
	handler := NewHandler(synckit.NewInstanceEndpoint(master), WithServerLogger(logging.Discard()))

	req := httptest.NewRequest(http.MethodGet, "/pull", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	var resp PullResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Len(t, resp.Documents, 1)

	// Without Accept-Encoding the body is plain.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pull", nil))
	assert.Empty(t, w.Header().Get("Content-Encoding"))
}

func TestClient_Replication(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	master := newMaster(t, "master")
	local := newMaster(t, "local")
	_, err := master.BulkWrite(ctx, []synckit.WriteRow{{Document: synckit.NewDocument("m", map[string]any{"from": "master"})}}, "app")
	require.NoError(t, err)
	_, err = local.BulkWrite(ctx, []synckit.WriteRow{{Document: synckit.NewDocument("l", map[string]any{"from": "local"})}}, "app")
	require.NoError(t, err)

	rep, err := synckit.NewReplication(local, newTestClient(newServer(t, master)),
		synckit.WithLogger(logging.Discard()),
		synckit.WithLive(false),
	)
	require.NoError(t, err)
	defer func() { _ = rep.Stop(context.Background()) }()
	require.NoError(t, rep.Start(ctx))
	require.NoError(t, rep.AwaitInitialReplication(ctx))

	for _, inst := range []synckit.StorageInstance{master, local} {
		docs, err := inst.FindByID(ctx, []string{"m", "l"}, false)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	}
}
