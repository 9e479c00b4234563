package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statecast/statecast/internal/docstore"
)

type fakeRuleStore struct {
	rules map[string]map[string]bool
	err   error
}

func (s *fakeRuleStore) Rules(ctx context.Context, owner, typ, name string) (map[string]bool, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules[owner+"/"+typ+"/"+name], nil
}

func TestAuthorizeResolutionOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		rules    map[string]map[string]bool
		cfg      Config
		typ      string
		accessor string
		want     bool
	}{
		{
			name: "owner wildcard deny beats explicit allow",
			rules: map[string]map[string]bool{
				"alice/*/*":            {"mallory": false},
				"alice/appState/notes": {"mallory": true},
			},
			typ:      TypeAppState,
			accessor: "mallory",
			want:     false,
		},
		{
			name: "explicit deny beats wildcard allow",
			rules: map[string]map[string]bool{
				"alice/*/*":            {"bob": true},
				"alice/appState/notes": {"bob": false},
			},
			typ:      TypeAppState,
			accessor: "bob",
			want:     false,
		},
		{
			name: "explicit allow",
			rules: map[string]map[string]bool{
				"alice/appState/notes": {"bob": true},
			},
			typ:      TypeAppState,
			accessor: "bob",
			want:     true,
		},
		{
			name: "wildcard allow when no explicit rule",
			rules: map[string]map[string]bool{
				"alice/*/*": {"bob": true},
			},
			typ:      TypeAppState,
			accessor: "bob",
			want:     true,
		},
		{
			name: "wildcard accessor fallback within rule",
			rules: map[string]map[string]bool{
				"alice/appState/notes": {"*": true},
			},
			typ:      TypeAppState,
			accessor: "carol",
			want:     true,
		},
		{
			name: "explicit accessor beats wildcard accessor",
			rules: map[string]map[string]bool{
				"alice/appState/notes": {"*": true, "carol": false},
			},
			typ:      TypeAppState,
			accessor: "carol",
			want:     false,
		},
		{
			name: "wildcard accessor deny in owner wildcard short-circuits",
			rules: map[string]map[string]bool{
				"alice/*/*":            {"*": false},
				"alice/appState/notes": {"carol": true},
			},
			typ:      TypeAppState,
			accessor: "carol",
			want:     false,
		},
		{
			name:     "owner reaches own resource when configured",
			cfg:      Config{OwnerSelfAccess: true},
			typ:      TypeAppState,
			accessor: "alice",
			want:     true,
		},
		{
			name:     "owner denied own resource when not configured",
			typ:      TypeAppState,
			accessor: "alice",
			want:     false,
		},
		{
			name: "explicit deny beats owner self access",
			rules: map[string]map[string]bool{
				"alice/appState/notes": {"alice": false},
			},
			cfg:      Config{OwnerSelfAccess: true},
			typ:      TypeAppState,
			accessor: "alice",
			want:     false,
		},
		{
			name:     "public data opens tables",
			cfg:      Config{PublicDataAccess: true},
			typ:      TypeTable,
			accessor: "stranger",
			want:     true,
		},
		{
			name:     "public data opens metadata",
			cfg:      Config{PublicDataAccess: true},
			typ:      TypeMetadata,
			accessor: "stranger",
			want:     true,
		},
		{
			name:     "public data does not open app state",
			cfg:      Config{PublicDataAccess: true},
			typ:      TypeAppState,
			accessor: "stranger",
			want:     false,
		},
		{
			name:     "default deny",
			typ:      TypeTable,
			accessor: "stranger",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthorizer(&fakeRuleStore{rules: tt.rules}, tt.cfg, zerolog.Nop())
			got, err := a.Authorize(ctx, "alice", tt.typ, "notes", tt.accessor)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorizeStoreError(t *testing.T) {
	boom := errors.New("backend down")
	a := NewAuthorizer(&fakeRuleStore{err: boom}, Config{}, zerolog.Nop())

	_, err := a.Authorize(context.Background(), "alice", TypeTable, "t", "bob")
	assert.ErrorIs(t, err, boom)
}

func TestDocRuleStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := docstore.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rules := NewDocRuleStore(store.Collection("rules"))
	require.NoError(t, rules.PutRule(ctx, "alice", TypeAppState, "notes", "bob", true))
	require.NoError(t, rules.PutRule(ctx, "alice", TypeAppState, "notes", "mallory", false))

	got, err := rules.Rules(ctx, "alice", TypeAppState, "notes")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"bob": true, "mallory": false}, got)

	missing, err := rules.Rules(ctx, "alice", TypeTable, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)

	a := NewAuthorizer(rules, Config{}, zerolog.Nop())
	allowed, err := a.Authorize(ctx, "alice", TypeAppState, "notes", "bob")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestFileRuleStore(t *testing.T) {
	dir := t.TempDir()
	content := `{"appState": {"notes": {"bob": true, "mallory": false}}, "table": {"scores": {"*": true}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.rules.json"), []byte(content), 0o600))

	ctx := context.Background()
	rules := NewFileRuleStore(dir)

	got, err := rules.Rules(ctx, "alice", TypeAppState, "notes")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"bob": true, "mallory": false}, got)

	got, err = rules.Rules(ctx, "alice", TypeTable, "scores")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"*": true}, got)

	missing, err := rules.Rules(ctx, "alice", TypeTable, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = rules.Rules(ctx, "nobody", TypeTable, "scores")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = rules.Rules(ctx, "../evil", TypeTable, "scores")
	assert.Error(t, err)
}

func TestDocCredentialStore(t *testing.T) {
	ctx := context.Background()
	store, err := docstore.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	creds := NewDocCredentialStore(store.Collection("users"), true)
	require.NoError(t, creds.Create(ctx, "alice", "s3cret", "alice@example.com"))

	assert.NoError(t, creds.Verify(ctx, "alice", "s3cret"))
	assert.ErrorIs(t, creds.Verify(ctx, "alice", "wrong"), ErrBadCredentials)
	assert.ErrorIs(t, creds.Verify(ctx, "nobody", "s3cret"), ErrBadCredentials)

	assert.ErrorIs(t, creds.Create(ctx, "alice", "other", "alice@example.com"), ErrUserExists)
	assert.ErrorIs(t, creds.Create(ctx, "bob", "pw", "not-an-email"), ErrBadEmail)
	assert.ErrorIs(t, creds.Create(ctx, "", "pw", "x@example.com"), ErrBadCredentials)

	closed := NewDocCredentialStore(store.Collection("users"), false)
	assert.ErrorIs(t, closed.Create(ctx, "carol", "pw", "carol@example.com"), ErrAddingDisabled)
}

func TestFileCredentialStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.auth")

	creds := NewFileCredentialStore(path, true)
	require.NoError(t, creds.Create(ctx, "alice", "s3cret", "alice@example.com"))
	require.NoError(t, creds.Create(ctx, "bob", "hunter2", "bob@example.com"))

	assert.NoError(t, creds.Verify(ctx, "alice", "s3cret"))
	assert.NoError(t, creds.Verify(ctx, "bob", "hunter2"))
	assert.ErrorIs(t, creds.Verify(ctx, "alice", "hunter2"), ErrBadCredentials)
	assert.ErrorIs(t, creds.Create(ctx, "alice", "again", "alice@example.com"), ErrUserExists)

	// Comments and blank lines are ignored.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append([]byte("# users\n\n"), raw...), 0o600))
	assert.NoError(t, creds.Verify(ctx, "alice", "s3cret"))

	assert.ErrorIs(t, NewFileCredentialStore(filepath.Join(t.TempDir(), "absent"), true).Verify(ctx, "alice", "pw"), ErrBadCredentials)
}

func TestRecordEncoding(t *testing.T) {
	record, err := newRecord("alice", "s3cret")
	require.NoError(t, err)

	parsed, err := parseRecord(record.encode(":"), ":")
	require.NoError(t, err)
	assert.Equal(t, record, parsed)
	assert.NoError(t, parsed.verify("alice", "s3cret"))
	assert.ErrorIs(t, parsed.verify("bob", "s3cret"), ErrBadCredentials)
	assert.ErrorIs(t, parsed.verify("alice", "wrong"), ErrBadCredentials)

	_, err = parseRecord("alice:sha256:10000", ":")
	assert.Error(t, err)
	_, err = parseRecord("alice:sha256:zero:00:00", ":")
	assert.Error(t, err)
	_, err = parseRecord("alice:sha256:10000:nothex:00", ":")
	assert.Error(t, err)

	bad := parsed
	bad.algorithm = "md5"
	assert.Error(t, bad.verify("alice", "s3cret"))
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("topsecret")

	sign := func(claims jwt.Claims, secret string) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}

	user, err := v.VerifyToken(sign(jwt.MapClaims{"username": "alice"}, "topsecret"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	user, err = v.VerifyToken(sign(jwt.MapClaims{"sub": "bob"}, "topsecret"))
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	_, err = v.VerifyToken(sign(jwt.MapClaims{"username": "alice"}, "othersecret"))
	assert.Error(t, err)

	_, err = v.VerifyToken(sign(jwt.MapClaims{
		"username": "alice",
		"exp":      time.Now().Add(-time.Hour).Unix(),
	}, "topsecret"))
	assert.Error(t, err)

	_, err = v.VerifyToken(sign(jwt.MapClaims{}, "topsecret"))
	assert.Error(t, err)

	_, err = v.VerifyToken("not.a.token")
	assert.Error(t, err)
}

func TestParseAuthorizationHeader(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))

	user, password, err := ParseAuthorizationHeader("Basic " + encoded)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "s3cret", password)

	user, _, err = ParseAuthorizationHeader("Bearer " + encoded)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	// Passwords may themselves contain colons.
	withColon := base64.StdEncoding.EncodeToString([]byte("alice:a:b"))
	_, password, err = ParseAuthorizationHeader("Basic " + withColon)
	require.NoError(t, err)
	assert.Equal(t, "a:b", password)

	_, _, err = ParseAuthorizationHeader("Basic")
	assert.Error(t, err)
	_, _, err = ParseAuthorizationHeader("Digest " + encoded)
	assert.Error(t, err)
	_, _, err = ParseAuthorizationHeader("Basic ???")
	assert.Error(t, err)
	_, _, err = ParseAuthorizationHeader("Basic " + base64.StdEncoding.EncodeToString([]byte("nopassword")))
	assert.Error(t, err)
}
