package ipfs_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskcoord/internal/adapters/ipfs"
)

func TestGatewayFetchModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ipfs/bafysquare" {
			http.Error(w, "no link named", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("\x00asm"))
	}))
	defer srv.Close()

	g, err := ipfs.NewGatewayClient(srv.URL+"/ipfs/", nil)
	require.NoError(t, err)

	data, err := g.FetchModule(context.Background(), "bafysquare")
	require.NoError(t, err)
	require.Equal(t, []byte("\x00asm"), data)

	_, err = g.FetchModule(context.Background(), "bafymissing")
	require.ErrorContains(t, err, "404")

	_, err = g.FetchModule(context.Background(), "")
	require.Error(t, err)
}

func TestGatewayRequiresBaseURL(t *testing.T) {
	_, err := ipfs.NewGatewayClient("  ", nil)
	require.Error(t, err)
}

func TestMirrorFetchModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "square.wasm"), []byte("module"), 0o644))

	m := ipfs.NewMirrorClient(dir, nil)
	data, err := m.FetchModule(context.Background(), "square.wasm")
	require.NoError(t, err)
	require.Equal(t, []byte("module"), data)

	_, err = m.FetchModule(context.Background(), "../square.wasm")
	require.Error(t, err)
	_, err = m.FetchModule(context.Background(), "missing.wasm")
	require.Error(t, err)
}
