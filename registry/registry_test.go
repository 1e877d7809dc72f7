package registry

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelanford/flatpak-oci/api"
)

func TestUpsert(t *testing.T) {
	r := New()
	assert.Error(t, r.Upsert(nil))
	assert.Error(t, r.Upsert(&api.Entity{}))
	assert.Panics(t, func() { r.MustUpsert(&api.Entity{}) })

	r.MustUpsert(&api.Entity{ID: "a"})
	r.MustUpsert(&api.Entity{ID: "a"})
	assert.Equal(t, 1, r.Len())
	r.Delete("a")
	assert.Equal(t, 0, r.Len())
}

func TestHandlerCompressed(t *testing.T) {
	r := New()
	require.NoError(t, r.UpsertPackages(api.Packages{
		"bb": {Ref: "runtime/org.example.Platform/x86_64/23.08", Transport: api.TransportOSTree},
		"aa": {Ref: "app/org.example.App/x86_64/stable", Transport: api.TransportOSTree},
	}))

	srv := httptest.NewServer(handlers.CompressHandler(r.Handler()))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	var ids []string
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var e api.Entity
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		ids = append(ids, e.ID)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"aa", "bb"}, ids)
}
