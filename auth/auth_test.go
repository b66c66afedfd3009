package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUsers(t *testing.T, hashType HashType) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "debug", "users.db")
	users := map[string]UserRecord{}
	for name, role := range map[string]string{"prom": RoleViewer, "ops": RoleOperator} {
		hash, err := HashPassword(name+"-secret", hashType)
		require.NoError(t, err)
		users[name] = UserRecord{Username: name, PasswordHash: hash, Role: role}
	}
	require.NoError(t, WriteUserFile(path, users, hashType))
	return path
}

func TestUserFile_RoundTrip(t *testing.T) {
	for _, ht := range []HashType{HashTypeBcrypt, HashTypeSHA256} {
		t.Run(ht.String(), func(t *testing.T) {
			path := writeUsers(t, ht)
			users, got, err := ReadUserFile(path)
			require.NoError(t, err)
			assert.Equal(t, ht, got)
			require.Len(t, users, 2)
			assert.Equal(t, RoleOperator, users["ops"].Role)
			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestReadUserFile_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	users, ht, err := ReadUserFile(filepath.Join(dir, "none.db"))
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Equal(t, HashTypeBcrypt, ht)

	bad := filepath.Join(dir, "bad.db")
	require.NoError(t, os.WriteFile(bad, []byte("not a user database"), 0o600))
	_, _, err = ReadUserFile(bad)
	assert.ErrorContains(t, err, "magic")
}

func TestParseHashType(t *testing.T) {
	ht, err := ParseHashType("sha256")
	require.NoError(t, err)
	assert.Equal(t, HashTypeSHA256, ht)
	_, err = ParseHashType("md5")
	assert.Error(t, err)
}

func TestAuthenticator_Check(t *testing.T) {
	a, err := NewAuthenticator(writeUsers(t, HashTypeBcrypt), nil)
	require.NoError(t, err)

	user, err := a.Check("ops", "ops-secret")
	require.NoError(t, err)
	assert.Equal(t, User{Username: "ops", Role: RoleOperator}, user)

	_, err = a.Check("ops", "wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = a.Check("nobody", "x")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthorize(t *testing.T) {
	viewer := User{Username: "prom", Role: RoleViewer}
	assert.NoError(t, Authorize(viewer, "/metrics"))
	assert.ErrorIs(t, Authorize(viewer, "/debug/pprof/"), ErrForbidden)
	assert.NoError(t, Authorize(User{Role: RoleOperator}, "/debug/pprof/"))
	assert.ErrorIs(t, Authorize(User{Role: "guest"}, "/metrics"), ErrForbidden)
}

func TestAuthenticator_Middleware(t *testing.T) {
	a, err := NewAuthenticator(writeUsers(t, HashTypeSHA256), nil)
	require.NoError(t, err)
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name     string
		path     string
		user     string
		password string
		want     int
	}{
		{"health is open", "/healthz", "", "", http.StatusOK},
		{"no credentials", "/metrics", "", "", http.StatusUnauthorized},
		{"bad password", "/metrics", "prom", "nope", http.StatusUnauthorized},
		{"viewer reads metrics", "/metrics", "prom", "prom-secret", http.StatusOK},
		{"viewer denied pprof", "/debug/pprof/", "prom", "prom-secret", http.StatusForbidden},
		{"operator uses pprof", "/debug/pprof/", "ops", "ops-secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.password)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}
