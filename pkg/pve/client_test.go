package pve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		Host:        server.URL,
		TokenID:     "monitor@pam!backwatch",
		TokenSecret: "secret",
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func writeData(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Host: "pve1"})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{Host: "pve1", TokenID: "missing-format", TokenSecret: "x"})
	assert.Error(t, err)

	client, err := NewClient(ClientConfig{Host: "pve1", TokenID: "root@pam!tok", TokenSecret: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://pve1/api2/json", client.baseURL)
}

func TestGetGuestsFiltersNonGuests(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PVEAPIToken=monitor@pam!backwatch=secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api2/json/cluster/resources", r.URL.Path)
		writeData(w, []map[string]interface{}{
			{"type": "qemu", "vmid": 100, "name": "web", "node": "pve1", "status": "running"},
			{"type": "lxc", "vmid": 105, "name": "cache", "node": "pve1", "status": "running"},
			{"type": "storage", "id": "storage/pve1/local"},
		})
	}))

	guests, err := client.GetGuests(context.Background())
	require.NoError(t, err)
	require.Len(t, guests, 2)
	assert.Equal(t, "qemu", guests[0].Type)
	assert.Equal(t, 105, guests[1].VMID)
}

func TestGetSnapshotsSkipsCurrent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/nodes/pve1/lxc/105/snapshot", r.URL.Path)
		writeData(w, []map[string]interface{}{
			{"name": "pre-upgrade", "snaptime": 1700000000},
			{"name": "current", "snaptime": 0},
		})
	}))

	snaps, err := client.GetSnapshots(context.Background(), "pve1", "lxc", 105)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "pre-upgrade", snaps[0].Name)
}

func TestGetBackupTasksFiltersFinishedVzdump(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]interface{}{
			{"upid": "a", "type": "vzdump", "id": "100", "node": "pve1", "status": "OK", "starttime": 1, "endtime": 2},
			{"upid": "b", "type": "vzdump", "id": "101", "node": "pve1", "status": "", "starttime": 3},
			{"upid": "c", "type": "vncproxy", "node": "pve1", "status": "OK", "starttime": 1, "endtime": 2},
		})
	}))

	tasks, err := client.GetBackupTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].UPID)
}

func TestAuthErrorsAreClassified(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, 595} {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := client.Version(context.Background())
		assert.ErrorIs(t, err, ErrAuth, "status %d", status)
	}
}

func TestServerErrorIsNotAuth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	_, err := client.Version(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuth)
}
