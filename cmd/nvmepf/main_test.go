package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nvmepf "github.com/ehrlich-b/go-nvmepf"
	"github.com/ehrlich-b/go-nvmepf/internal/config"
	"github.com/ehrlich-b/go-nvmepf/internal/hostmem"
	"github.com/ehrlich-b/go-nvmepf/internal/logging"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{4096, "4.0 KB"},
		{64 << 20, "64.0 MB"},
		{3 << 29, "1.5 GB"},
		{2 << 40, "2.0 TB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.in))
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "nvmepf dev"))
}

func TestOpenBackend(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{
			IOQueues: 3,
			Namespaces: []config.NamespaceConfig{
				{NSID: 1, BlockSize: 512, SizeBytes: 1 << 20},
				{NSID: 2, BlockSize: 4096, SizeBytes: 1 << 20},
			},
		},
	}
	loop, err := openBackend(cfg, logging.Nop())
	require.NoError(t, err)
	defer loop.Close()

	assert.Equal(t, 4, loop.QueueCount())
	ns, ok := loop.Namespace(2)
	require.True(t, ok)
	assert.Equal(t, uint(12), ns.LBAShift())
}

func TestRouter(t *testing.T) {
	mem := hostmem.New(hostmem.Config{Base: 1 << 32, Size: 1 << 20})
	params := nvmepf.DefaultParams(nvmepf.NewMockController(1<<20), mem)
	params.IRQType = nvmepf.IRQTypeINTx
	ep, err := nvmepf.New(params, &nvmepf.Options{Name: "test0", Logger: logging.Nop()})
	require.NoError(t, err)
	require.NoError(t, ep.Start())
	defer ep.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(nvmepf.NewPrometheusCollector(ep.Metrics(), "test0"))
	srv := httptest.NewServer(newRouter(ep, reg))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code, "controller not enabled yet")
	assert.Contains(t, body, string(nvmepf.EndpointStateDisabled))

	code, body = get("/status")
	require.Equal(t, http.StatusOK, code)
	var st statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "test0", st.Endpoint.Name)
	assert.True(t, st.Endpoint.LinkUp)
	assert.Equal(t, "intx", st.Endpoint.IRQType)

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `nvmepf_uptime_seconds{endpoint="test0"}`)

	code, _ = get("/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWriteStackDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStackDump(&buf, nvmepf.EndpointInfo{Name: "dump0", State: nvmepf.EndpointStateReady}))

	out := buf.String()
	assert.Contains(t, out, `"name": "dump0"`)
	assert.Contains(t, out, `"state": "ready"`)
	assert.Contains(t, out, "TestWriteStackDump", "the calling goroutine is in the dump")
}
