package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mobiletoly/go-fieldsync/syncserver"
	"github.com/stretchr/testify/require"
)

type remoteHarness struct {
	server *httptest.Server
	jwt    *syncserver.JWTAuth
}

func newRemoteHarness(t *testing.T) *remoteHarness {
	t.Helper()
	store := syncserver.NewMemoryStore("projects", "time_entries")
	jwtAuth := syncserver.NewJWTAuth("remote-test-secret")
	mux := http.NewServeMux()
	syncserver.NewHTTPHandlers(store, jwtAuth, discardLogger()).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &remoteHarness{server: server, jwt: jwtAuth}
}

func (h *remoteHarness) remote(tenantID, userID string) *HTTPRemote {
	return NewHTTPRemote(h.server.URL, func(ctx context.Context) (string, error) {
		return h.jwt.GenerateToken(userID, tenantID, time.Hour)
	})
}

func TestHTTPRemote_Operations(t *testing.T) {
	ctx := context.Background()
	h := newRemoteHarness(t)
	r := h.remote("acme", "foreman-7")

	stored, err := r.Insert(ctx, "projects", project("p1", base, "Harbor tower"))
	require.NoError(t, err)
	require.Equal(t, "p1", stored.ID)
	require.Equal(t, "Harbor tower", stored.Fields["name"])
	require.True(t, stored.UpdatedAt.Equal(base))

	// the stored newer row wins over a stale update
	stored, err = r.Update(ctx, "projects", "p1", project("p1", base.Add(-time.Minute), "Stale"))
	require.NoError(t, err)
	require.Equal(t, "Harbor tower", stored.Fields["name"])

	_, err = r.Update(ctx, "projects", "p1", project("p1", base.Add(time.Minute), "Harbor tower II"))
	require.NoError(t, err)

	recs, err := r.SelectSince(ctx, "projects", base)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "Harbor tower II", recs[0].Fields["name"])

	require.NoError(t, r.Delete(ctx, "projects", "p1"))
	recs, err = r.SelectSince(ctx, "projects", base)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Deleted)

	// tenants are isolated
	recs, err = h.remote("globex", "u").SelectSince(ctx, "projects", epoch)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestHTTPRemote_Errors(t *testing.T) {
	ctx := context.Background()
	h := newRemoteHarness(t)
	r := h.remote("acme", "foreman-7")

	_, err := r.Update(ctx, "projects", "missing", project("missing", base, "x"))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusNotFound, re.StatusCode)
	require.Equal(t, syncserver.CodeNotFound, re.Code)
	require.False(t, IsTransient(err))

	_, err = r.SelectSince(ctx, "invoices", epoch)
	require.True(t, errors.As(err, &re))
	require.Equal(t, syncserver.CodeUnknownCollection, re.Code)

	anonymous := NewHTTPRemote(h.server.URL, nil)
	_, err = anonymous.SelectSince(ctx, "projects", epoch)
	require.True(t, errors.As(err, &re))
	require.Equal(t, http.StatusUnauthorized, re.StatusCode)

	broken := NewHTTPRemote(h.server.URL, func(ctx context.Context) (string, error) {
		return "", errors.New("keychain locked")
	})
	_, err = broken.SelectSince(ctx, "projects", epoch)
	require.ErrorContains(t, err, "keychain locked")

	h.server.Close()
	_, err = r.SelectSince(ctx, "projects", epoch)
	require.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.True(t, IsTransient(&RemoteError{StatusCode: http.StatusServiceUnavailable}))
	require.True(t, IsTransient(&RemoteError{StatusCode: http.StatusTooManyRequests}))
	require.True(t, IsTransient(&RemoteError{StatusCode: http.StatusRequestTimeout}))
	require.False(t, IsTransient(&RemoteError{StatusCode: http.StatusBadRequest}))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.False(t, IsTransient(errors.New("boom")))
}

func TestEngine_DevicesConvergeThroughServer(t *testing.T) {
	ctx := context.Background()
	h := newRemoteHarness(t)
	cfg := func() *Config { return testConfig("projects", "time_entries") }

	deviceA := newTestEngine(t, h.remote("acme", "foreman"), nil, cfg())
	deviceB := newTestEngine(t, h.remote("acme", "inspector"), nil, cfg())
	outsider := newTestEngine(t, h.remote("globex", "someone"), nil, cfg())

	_, err := deviceA.SaveLocal(ctx, "time_entries", Record{ID: "te1", UpdatedAt: base, Fields: map[string]any{"hours": 8}}, ActionInsert)
	require.NoError(t, err)
	_, err = deviceA.SaveLocal(ctx, "projects", project("p1", base, "Harbor tower"), ActionInsert)
	require.NoError(t, err)

	res, err := deviceA.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.Equal(t, 2, res.Pushed)

	res, err = deviceB.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	require.Equal(t, 2, res.Pulled)

	te, ok, err := deviceB.GetLocalByID(ctx, "time_entries", "te1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, json.Number("8"), te.Fields["hours"])

	_, err = deviceB.SaveLocal(ctx, "projects", Record{ID: "p1"}, ActionDelete)
	require.NoError(t, err)
	res, err = deviceB.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)

	res, err = deviceA.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success, "errors: %v", res.Errors)
	_, ok, err = deviceA.GetLocalByID(ctx, "projects", "p1")
	require.NoError(t, err)
	require.False(t, ok, "tombstone removes the record on the other device")

	res, err = outsider.Sync(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)
	recs, err := outsider.GetLocal(ctx, "time_entries")
	require.NoError(t, err)
	require.Empty(t, recs)
}
