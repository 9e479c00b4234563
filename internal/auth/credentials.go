package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/statecast/statecast/internal/docstore"
)

// Sentinel errors callers branch on.
var (
	ErrBadCredentials = errors.New("auth: invalid username or password")
	ErrUserExists     = errors.New("auth: user already exists")
	ErrBadEmail       = errors.New("auth: malformed email address")
	ErrAddingDisabled = errors.New("auth: account creation is disabled")
)

// CredentialStore verifies and creates user credentials. Both
// implementations share the record format; only the backing medium
// differs.
type CredentialStore interface {
	Verify(ctx context.Context, username, password string) error
	Create(ctx context.Context, username, password, email string) error
}

// Parameters applied to newly created accounts.
const (
	createAlgorithm  = "sha256"
	createIterations = 10000
	createDigestLen  = 32
	createSaltLen    = 16
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// hashRecord is one stored credential: username, derivation algorithm,
// iteration count, salt, and the expected digest.
type hashRecord struct {
	user       string
	algorithm  string
	iterations int
	salt       []byte
	digest     []byte
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("auth: unknown digest algorithm %q", algorithm)
}

// verify re-runs the recorded derivation over the claimed password and
// compares digests in constant time. The record's username must match the
// claimed one.
func (r hashRecord) verify(username, password string) error {
	if r.user != username {
		return ErrBadCredentials
	}
	h, err := hashFunc(r.algorithm)
	if err != nil {
		return err
	}
	derived := pbkdf2.Key([]byte(password), r.salt, r.iterations, len(r.digest), h)
	if subtle.ConstantTimeCompare(derived, r.digest) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// parseRecord decodes `user<sep>algorithm<sep>iterations<sep>salt<sep>digest`
// with hex salt and digest.
func parseRecord(raw, sep string) (hashRecord, error) {
	parts := strings.Split(raw, sep)
	if len(parts) < 5 {
		return hashRecord{}, fmt.Errorf("auth: credential record has %d fields, want 5", len(parts))
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations < 1 {
		return hashRecord{}, fmt.Errorf("auth: credential record iteration count %q", parts[2])
	}
	salt, err := hex.DecodeString(parts[3])
	if err != nil {
		return hashRecord{}, fmt.Errorf("auth: credential record salt: %w", err)
	}
	digest, err := hex.DecodeString(parts[4])
	if err != nil || len(digest) == 0 {
		return hashRecord{}, fmt.Errorf("auth: credential record digest: %w", err)
	}
	return hashRecord{
		user:       parts[0],
		algorithm:  parts[1],
		iterations: iterations,
		salt:       salt,
		digest:     digest,
	}, nil
}

func newRecord(username, password string) (hashRecord, error) {
	salt := make([]byte, createSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return hashRecord{}, fmt.Errorf("auth: generate salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(password), salt, createIterations, createDigestLen, sha256.New)
	return hashRecord{
		user:       username,
		algorithm:  createAlgorithm,
		iterations: createIterations,
		salt:       salt,
		digest:     digest,
	}, nil
}

func (r hashRecord) encode(sep string) string {
	return strings.Join([]string{
		r.user,
		r.algorithm,
		strconv.Itoa(r.iterations),
		hex.EncodeToString(r.salt),
		hex.EncodeToString(r.digest),
	}, sep)
}

func checkNewAccount(username, password, email string) error {
	if username == "" || strings.ContainsAny(username, ":\t\n") {
		return ErrBadCredentials
	}
	if password == "" {
		return ErrBadCredentials
	}
	if !emailPattern.MatchString(email) {
		return ErrBadEmail
	}
	return nil
}

// DocCredentialStore keeps one tab-separated hash record per user in a
// docstore collection.
type DocCredentialStore struct {
	coll        docstore.Collection
	allowAdding bool
}

// NewDocCredentialStore wraps the given collection. Create succeeds only
// when allowAdding is set.
func NewDocCredentialStore(coll docstore.Collection, allowAdding bool) *DocCredentialStore {
	return &DocCredentialStore{coll: coll, allowAdding: allowAdding}
}

func (s *DocCredentialStore) Verify(ctx context.Context, username, password string) error {
	doc, err := s.coll.Get(ctx, username)
	if err == docstore.ErrNotFound {
		return ErrBadCredentials
	}
	if err != nil {
		return err
	}
	raw, _ := doc["record"].(string)
	record, err := parseRecord(raw, "\t")
	if err != nil {
		return err
	}
	return record.verify(username, password)
}

func (s *DocCredentialStore) Create(ctx context.Context, username, password, email string) error {
	if !s.allowAdding {
		return ErrAddingDisabled
	}
	if err := checkNewAccount(username, password, email); err != nil {
		return err
	}
	if _, err := s.coll.Get(ctx, username); err == nil {
		return ErrUserExists
	} else if err != docstore.ErrNotFound {
		return err
	}
	record, err := newRecord(username, password)
	if err != nil {
		return err
	}
	return s.coll.Put(ctx, docstore.Doc{
		"_id":    username,
		"record": record.encode("\t"),
		"email":  email,
	})
}

// FileCredentialStore reads a flat credentials file with one
// `user:algorithm:iterations:salt:digest` line per user. Lines starting
// with '#' and blank lines are skipped.
type FileCredentialStore struct {
	path        string
	allowAdding bool
	mu          sync.Mutex
}

// NewFileCredentialStore serves credentials from the given file.
func NewFileCredentialStore(path string, allowAdding bool) *FileCredentialStore {
	return &FileCredentialStore{path: path, allowAdding: allowAdding}
}

func (s *FileCredentialStore) find(username string) (hashRecord, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return hashRecord{}, ErrBadCredentials
	}
	if err != nil {
		return hashRecord{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, username+":") {
			continue
		}
		return parseRecord(line, ":")
	}
	if err := scanner.Err(); err != nil {
		return hashRecord{}, err
	}
	return hashRecord{}, ErrBadCredentials
}

func (s *FileCredentialStore) Verify(ctx context.Context, username, password string) error {
	s.mu.Lock()
	record, err := s.find(username)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return record.verify(username, password)
}

func (s *FileCredentialStore) Create(ctx context.Context, username, password, email string) error {
	if !s.allowAdding {
		return ErrAddingDisabled
	}
	if err := checkNewAccount(username, password, email); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.find(username); err == nil {
		return ErrUserExists
	} else if err != ErrBadCredentials {
		return err
	}
	record, err := newRecord(username, password)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, record.encode(":"))
	return err
}
