package credstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/carelink/internal/credstore"
	"github.com/aussiebroadwan/carelink/pkg/carelink"
	"github.com/stretchr/testify/require"
)

func testCredential() *carelink.Credential {
	return &carelink.Credential{
		AccessToken:     "access-1",
		RefreshToken:    "refresh-1",
		Scope:           "profile openid msso",
		ClientID:        "client-1",
		ClientSecret:    "secret-1",
		DeviceSessionID: "mag-1",
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "logindata.json")
	store := credstore.NewFileStore(path)

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, carelink.ErrCredentialNotFound)

	require.NoError(t, store.Save(ctx, testCredential()))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, testCredential(), got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestFileStoreDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := credstore.NewFileStore(filepath.Join(t.TempDir(), "logindata.json"))
	require.NoError(t, store.Delete(ctx), "missing file")

	require.NoError(t, store.Save(ctx, testCredential()))
	require.NoError(t, store.Delete(ctx))

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, carelink.ErrCredentialNotFound)
}

func TestFileStoreReplacesAtomically(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "logindata.json")
	store := credstore.NewFileStore(path)

	require.NoError(t, store.Save(ctx, testCredential()))

	updated := testCredential()
	updated.AccessToken = "access-2"
	updated.RefreshToken = "refresh-2"
	require.NoError(t, store.Save(ctx, updated))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-2", got.AccessToken)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	require.Equal(t, "logindata.json", entries[0].Name())
}

func TestFileStoreFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logindata.json")
	require.NoError(t, credstore.NewFileStore(path).Save(context.Background(), testCredential()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"mag-identifier": "mag-1"`)
	require.Contains(t, string(raw), `"client_secret": "secret-1"`)
}

func TestFileStoreCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logindata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token": `), 0o600))

	_, err := credstore.NewFileStore(path).Load(context.Background())
	require.ErrorIs(t, err, carelink.ErrCredentialCorrupt)
}

func TestFileStorePartialRecordLoads(t *testing.T) {
	t.Parallel()

	// Completeness is judged by the token manager, not the store.
	path := filepath.Join(t.TempDir(), "logindata.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"a"}`), 0o600))

	got, err := credstore.NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	require.False(t, got.Usable())
}
