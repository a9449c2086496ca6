package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wsdispatch/wsdispatch/internal/catalog"
	"github.com/wsdispatch/wsdispatch/internal/config"
	"github.com/wsdispatch/wsdispatch/internal/outbound"
	"github.com/wsdispatch/wsdispatch/internal/store"
)

const apiSampleYAML = `
categories:
  - id: tone
    name: tone
    display_name: 语气风格
    default_command_set: serious
command_sets:
  - id: serious
    name: 严肃风
    category: tone
    target_ws: botA
    is_default: true
    commands:
      - name: /chat
connections:
  - id: botA
    name: Bot A
    url: ws://127.0.0.1:9/onebot
access_lists:
  - id: vips
    name: VIPs
    type: user
    mode: whitelist
    items: [100]
final:
  action: reject
  message: 未知指令
`

type testAPI struct {
	base    string
	manager *config.Manager
	store   *store.Store
	client  *http.Client
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, writeFile(path, apiSampleYAML))

	settings, err := config.NewLoader(path).Load()
	require.NoError(t, err)

	handle := catalog.NewHandle(catalog.Build(settings.CatalogInput()))
	manager := config.NewManager(path, settings, handle)

	st, err := store.Open(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zerolog.New(zerolog.NewTestWriter(t))
	srv := NewServer(manager, st, outbound.NewPool(logger), logger)

	httpSrv := httptest.NewServer(srv.Routes())
	t.Cleanup(httpSrv.Close)

	return &testAPI{base: httpSrv.URL, manager: manager, store: st, client: httpSrv.Client()}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.base+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}
