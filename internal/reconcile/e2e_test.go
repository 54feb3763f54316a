package reconcile

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerosol/internal/checksum"
	"aerosol/internal/filestore"
	"aerosol/internal/model"
	"aerosol/internal/server/servertest"
	"aerosol/internal/session"
	"aerosol/internal/transport"
)

// newClient returns a reconciler over an empty in-memory vault, registered
// against h.
func newClient(t *testing.T, h *servertest.Harness, username string) (*Reconciler, *filestore.Store) {
	t.Helper()
	tr := transport.NewHTTPClient(h.URL())
	s := session.New(session.Options{
		Auth:   tr,
		Tokens: session.Tokens{Refresh: h.Register(t, username)},
		Clock:  clockwork.NewFakeClock(),
	})
	t.Cleanup(s.Close)

	files := filestore.New(afero.NewMemMapFs())
	r := New(Options{Files: files, Remote: session.NewRemote(s, tr)})
	return r, files
}

func TestEndToEnd_PollPullsRemoteChange(t *testing.T) {
	h := servertest.New(t)
	ctx := context.Background()
	require.NoError(t, h.Files.Write("a.md", []byte("a")))
	require.NoError(t, h.Files.Write("b.md", []byte("old")))
	_, err := h.Vault.Load(ctx)
	require.NoError(t, err)

	r, files := newClient(t, h, "alice")
	require.NoError(t, r.Poll(ctx))
	assert.Equal(t, h.Vault.Aggregate(), r.Index().Aggregate())

	_, err = h.Vault.Write(ctx, "b.md", []byte("new"))
	require.NoError(t, err)
	assert.NotEqual(t, h.Vault.Aggregate(), r.Index().Aggregate())

	require.NoError(t, r.Poll(ctx))
	data, err := files.Read("b.md")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, h.Vault.Aggregate(), r.Index().Aggregate())

	require.NoError(t, r.Poll(ctx))
	assert.Equal(t, h.Vault.Aggregate(), r.Index().Aggregate())
}

func TestEndToEnd_UploadDownloadRoundTrip(t *testing.T) {
	h := servertest.New(t)
	ctx := context.Background()

	writer, writerFiles := newClient(t, h, "writer")
	reader, readerFiles := newClient(t, h, "reader")

	payload := []byte{0x00, 0x10, 0xff, 'x', '\r', '\n'}
	require.NoError(t, writerFiles.Write("deep/dir/blob.bin", payload))
	require.NoError(t, writer.HandleEvent(ctx, model.FileEvent{Kind: model.EventCreate, Path: "deep/dir/blob.bin"}))

	require.NoError(t, reader.Poll(ctx))
	got, err := readerFiles.Read("deep/dir/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, checksum.ComputeEntry(payload), h.Vault.Checksums()["deep/dir/blob.bin"])

	require.NoError(t, writerFiles.Delete("deep/dir/blob.bin"))
	require.NoError(t, writer.HandleEvent(ctx, model.FileEvent{Kind: model.EventDelete, Path: "deep/dir/blob.bin"}))
	require.NoError(t, reader.Poll(ctx))
	ok, err := readerFiles.Exists("deep/dir/blob.bin")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, writer.Index().Aggregate(), reader.Index().Aggregate())
}
