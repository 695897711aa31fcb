// Package session supplies the identity every sync call runs under.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wurt83ow/orgkeeper/pkg/appcontext"
	"github.com/wurt83ow/orgkeeper/pkg/encription"
)

var (
	// ErrNoIdentity means nobody is logged in; sync does not run.
	ErrNoIdentity = errors.New("no identity available")
	// ErrBadPassphrase is returned when the session file cannot be opened
	// with the configured passphrase.
	ErrBadPassphrase = errors.New("wrong session passphrase")
)

// Identity is the logged-in owner and the backend token issued to them.
type Identity struct {
	OwnerID string `json:"owner_id"`
	Token   string `json:"token"`
}

// Provider returns the current identity or ErrNoIdentity.
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

// Bind attaches id to ctx for the backend client.
func Bind(ctx context.Context, id Identity) context.Context {
	ctx = appcontext.WithOwnerID(ctx, id.OwnerID)
	return appcontext.WithToken(ctx, id.Token)
}

// Static is a fixed identity, used with environment overrides and in tests.
type Static struct {
	id Identity
}

func NewStatic(ownerID, token string) *Static {
	return &Static{id: Identity{OwnerID: ownerID, Token: token}}
}

func (s *Static) Identity(context.Context) (Identity, error) {
	if s == nil || s.id.OwnerID == "" {
		return Identity{}, ErrNoIdentity
	}
	return s.id, nil
}

// FileStore keeps the identity in an encrypted file.
type FileStore struct {
	path       string
	passphrase string

	mu     sync.Mutex
	cached *Identity
}

type sessionFile struct {
	Salt  string `json:"salt"`
	Check string `json:"check"`
	Data  string `json:"data"`
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

// Save replaces the stored identity.
func (f *FileStore) Save(id Identity) error {
	if id.OwnerID == "" {
		return fmt.Errorf("save session: %w", ErrNoIdentity)
	}
	salt, err := encription.NewSalt()
	if err != nil {
		return err
	}
	check, err := encription.HashPassphrase(f.passphrase)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	plain, err := json.Marshal(id)
	if err != nil {
		return err
	}
	data, err := encription.NewEnc(f.passphrase, salt).Encrypt(plain)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	raw, err := json.Marshal(sessionFile{
		Salt:  base64.StdEncoding.EncodeToString(salt),
		Check: check,
		Data:  data,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	f.mu.Lock()
	f.cached = &id
	f.mu.Unlock()
	return nil
}

// Load reads the stored identity.
func (f *FileStore) Load() (Identity, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Identity{}, ErrNoIdentity
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}

	var file sessionFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	if !encription.CheckPassphrase(file.Check, f.passphrase) {
		return Identity{}, ErrBadPassphrase
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	plain, err := encription.NewEnc(f.passphrase, salt).Decrypt(file.Data)
	if err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(plain, &id); err != nil {
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	if id.OwnerID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// Clear logs out.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	f.cached = nil
	f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Identity implements Provider, reading the file once.
func (f *FileStore) Identity(context.Context) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		return *f.cached, nil
	}
	id, err := f.Load()
	if err != nil {
		return Identity{}, err
	}
	f.cached = &id
	return id, nil
}
