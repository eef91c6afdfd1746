package proxmox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyre-sh/spyre/internal/common/config"
	"github.com/spyre-sh/spyre/internal/common/logger"
)

func testClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.ProxmoxConfig{
		APIURL:      srv.URL,
		TokenID:     "spyre@pve!controller",
		TokenSecret: "s3cret",
		Node:        "pve",
	}, logger.Default())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(config.ProxmoxConfig{}, logger.Default())
	assert.Error(t, err)

	_, err = NewClient(config.ProxmoxConfig{APIURL: "https://pve:8006"}, logger.Default())
	assert.Error(t, err)
}

func TestNextID(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api2/json/cluster/nextid", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":"117"}`))
	}))

	vmid, err := c.NextID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 117, vmid)
	assert.Equal(t, "PVEAPIToken=spyre@pve!controller=s3cret", gotAuth)
}

func TestContainerStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api2/json/nodes/pve/lxc/117/status/current", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"status":"running","uptime":42}}`))
	}))

	status, err := c.ContainerStatus(context.Background(), 117)
	require.NoError(t, err)
	assert.Equal(t, "running", status)
}

func TestContainerAddressSkipsLoopback(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"name":"lo","inet":"127.0.0.1/8"},
			{"name":"eth0","inet":"10.0.0.42/24"}
		]}`))
	}))

	addr, err := c.ContainerAddress(context.Background(), 117)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.42", addr)
}

func TestCreateContainerWaitsForTask(t *testing.T) {
	const upid = "UPID:pve:0000AB:00:00:vzcreate:117:root@pam:"
	polls := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api2/json/nodes/pve/lxc":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "117", r.PostForm.Get("vmid"))
			assert.Equal(t, "worker-1", r.PostForm.Get("hostname"))
			assert.Equal(t, "local-lvm:8", r.PostForm.Get("rootfs"))
			assert.Equal(t, "name=eth0,bridge=vmbr0,ip=dhcp", r.PostForm.Get("net0"))
			_, _ = w.Write([]byte(`{"data":"` + upid + `"}`))
		case r.Method == http.MethodGet:
			polls++
			if polls == 1 {
				_, _ = w.Write([]byte(`{"data":{"status":"running"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":{"status":"stopped","exitstatus":"OK"}}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	err := c.CreateContainer(context.Background(), CreateRequest{
		VMID:       117,
		Hostname:   "worker-1",
		OSTemplate: "local:vztmpl/debian-12.tar.zst",
		Password:   "pw",
		Storage:    "local-lvm",
		RootFSGB:   8,
		MemoryMB:   2048,
		Cores:      2,
		Bridge:     "vmbr0",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, polls)
}

func TestTaskFailureSurfacesExitStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"data":"UPID:pve:1:vzcreate"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"status":"stopped","exitstatus":"unable to create CT 117"}}`))
	}))

	err := c.CreateContainer(context.Background(), CreateRequest{VMID: 117, Storage: "local-lvm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to create CT 117")
}

func TestAPIErrorIncludesBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":{"vmid":"already exists"}}`, http.StatusBadRequest)
	}))

	_, err := c.NextID(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
