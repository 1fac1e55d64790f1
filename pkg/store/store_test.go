package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, passphrase string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calico.db")
	s, err := Open(path, []byte(passphrase))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestPutGetDelete(t *testing.T) {
	a := assert.New(t)
	s, _ := openTestStore(t, "hunter2")

	a.NoError(s.Put("session one", []byte("snapshot bytes")))

	got, err := s.Get("session one")
	a.NoError(err)
	a.Equal([]byte("snapshot bytes"), got)

	a.NoError(s.Delete("session one"))
	_, err = s.Get("session one")
	a.ErrorIs(err, ErrMissingItem)

	// Deleting again is fine.
	a.NoError(s.Delete("session one"))
}

func TestPutOverwrites(t *testing.T) {
	a := assert.New(t)
	s, _ := openTestStore(t, "hunter2")

	a.NoError(s.Put("session", []byte("v1")))
	a.NoError(s.Put("session", []byte("v2")))

	got, err := s.Get("session")
	a.NoError(err)
	a.Equal([]byte("v2"), got)
}

func TestList(t *testing.T) {
	a := assert.New(t)
	s, _ := openTestStore(t, "hunter2")

	a.NoError(s.Put("alpha", []byte("a")))
	a.NoError(s.Put("beta", []byte("b")))

	names, err := s.List()
	a.NoError(err)
	a.ElementsMatch([]string{"alpha", "beta"}, names)
}

func TestValuesAreSealedOnDisk(t *testing.T) {
	a := assert.New(t)
	s, path := openTestStore(t, "hunter2")

	secret := []byte("extremely secret snapshot")
	a.NoError(s.Put("session", secret))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	a.NotContains(string(raw), string(secret))
}

func TestReopenWithSamePassphrase(t *testing.T) {
	a := assert.New(t)
	path := filepath.Join(t.TempDir(), "calico.db")

	s, err := Open(path, []byte("correct horse"))
	require.NoError(t, err)
	a.NoError(s.Put("session", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = Open(path, []byte("correct horse"))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("session")
	a.NoError(err)
	a.Equal([]byte("persisted"), got)
}

func TestWrongPassphraseFailsDecryption(t *testing.T) {
	a := assert.New(t)
	path := filepath.Join(t.TempDir(), "calico.db")

	s, err := Open(path, []byte("correct horse"))
	require.NoError(t, err)
	a.NoError(s.Put("session", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = Open(path, []byte("battery staple"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("session")
	a.ErrorIs(err, ErrFailedDecryption)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	a := assert.New(t)

	_, err := Open(filepath.Join(t.TempDir(), "calico.db"), nil)
	a.Error(err)
}
