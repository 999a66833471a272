package convert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("image-bytes"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	f := NewFetcher(time.Second, 32)

	data, err := f.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	_, err = f.Fetch(ctx, srv.URL+"/big")
	assert.ErrorIs(t, err, ErrFetch)

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrFetch)

	for _, bad := range []string{"file:///etc/passwd", "ftp://example.com/a.png", "not a url", "http://"} {
		_, err = f.Fetch(ctx, bad)
		assert.ErrorIs(t, err, ErrFetch, bad)
	}
}
