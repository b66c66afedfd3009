package checkpoint

import (
	"encoding/binary"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveAndLoad_Successful(t *testing.T) {
	fs := memfs.New()
	store := NewStore(fs)

	err := store.Save("corp-ldap", []byte("rid=000,csn=20240101000000.000000Z#000000#000#000000"))
	require.NoError(t, err, "Save should succeed")

	// The final file exists and the temp file is gone.
	_, err = fs.Stat(FileName("corp-ldap"))
	require.NoError(t, err)
	_, err = fs.Stat("corp-ldap" + tempSuffix)
	require.Error(t, err, "temp file should not exist after a successful save")

	token, err := store.Load("corp-ldap")
	require.NoError(t, err)
	assert.Equal(t, "rid=000,csn=20240101000000.000000Z#000000#000#000000", string(token))
}

func TestStore_Load_NonExistent(t *testing.T) {
	token, err := NewStore(memfs.New()).Load("nothing")
	require.NoError(t, err, "a missing checkpoint is not an error")
	assert.Nil(t, token)
}

func TestStore_Save_Overwrite(t *testing.T) {
	store := NewStore(memfs.New())
	require.NoError(t, store.Save("src", []byte("one")))
	require.NoError(t, store.Save("src", []byte("two")))

	token, err := store.Load("src")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), token)
}

func TestStore_SourcesAreIndependentAndEscaped(t *testing.T) {
	store := NewStore(memfs.New())
	require.NoError(t, store.Save("ldap://a/b", []byte("a")))
	require.NoError(t, store.Save("other", []byte("b")))

	a, err := store.Load("ldap://a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), a)

	require.NoError(t, store.Delete("ldap://a/b"))
	require.NoError(t, store.Delete("ldap://a/b"))
	a, err = store.Load("ldap://a/b")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestStore_Load_CorruptedMagic(t *testing.T) {
	fs := memfs.New()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, 0xDEADBEEF)
	require.NoError(t, util.WriteFile(fs, FileName("src"), data, 0644))

	_, err := NewStore(fs).Load("src")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid checkpoint magic number")
}

func TestStore_Load_Truncated(t *testing.T) {
	fs := memfs.New()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, MagicNumber)
	binary.LittleEndian.PutUint32(data[4:], 10)
	require.NoError(t, util.WriteFile(fs, FileName("src"), data, 0644))

	_, err := NewStore(fs).Load("src")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read checkpoint token")
}

func TestNewDirStore(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("src", []byte("cookie")))
	token, err := store.Load("src")
	require.NoError(t, err)
	assert.Equal(t, []byte("cookie"), token)
}
