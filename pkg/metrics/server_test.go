package metrics

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServer(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	require.Nil(t, err)

	var table = []struct {
		path   string
		status int
	}{
		{"/healthz", http.StatusNoContent},
		{"/metrics", http.StatusOK},
		{"/debug/pprof/", http.StatusOK},
	}

	for _, tt := range table {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get("http://" + s.Addr().String() + tt.path)
			require.Nil(t, err)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}

	require.Empty(t, s.Stop().Wait())
}

func TestListenError(t *testing.T) {
	_, err := NewServer("127.0.0.1:99999")
	require.NotNil(t, err)
}
