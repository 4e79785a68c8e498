package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// newTestStore creates a RecordStore pointed at a test server.
func newTestStore(t *testing.T, handler http.Handler) *RecordStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "/runs/latest/"})
	require.NoError(t, err)
	store.newID = func() (uuid.UUID, error) {
		return uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057"), nil
	}
	return store
}

func TestRecordStoreAppendUploadsJSON(t *testing.T) {
	rec := crawler.Record{
		URL:     "https://coinmarketcap.com/",
		Title:   "Prices",
		Columns: []string{"name"},
		Fields:  map[string][]string{"name": {"Bitcoin"}},
	}
	wantName := "runs/latest/01890a5d-ac96-774b-bcce-b302099a8057.json"

	// Simulates the GCS JSON API for multipart uploads.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), wantName)
		assert.Contains(t, string(body), `{"url":"https://coinmarketcap.com/","title":"Prices","name":["Bitcoin"]}`)

		fmt.Fprintln(w, `{ "name": "`+wantName+`" }`)
	})

	store := newTestStore(t, handler)
	require.NoError(t, store.Append(context.Background(), rec))
}

func TestRecordStoreAppendServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	store := newTestStore(t, handler)
	err := store.Append(context.Background(), crawler.Record{URL: "https://coinmarketcap.com/"})
	require.Error(t, err)

	var se *crawler.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SinkGCS, se.Sink)
	assert.True(t, strings.HasPrefix(se.URL, "https://"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, Config{})
	assert.Error(t, err)
}
