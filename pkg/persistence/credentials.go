package persistence

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileVersion is the current version of the credential file format.
const FileVersion = 1

// ErrUnsupportedVersion is returned when a credential file was written by a
// newer format.
var ErrUnsupportedVersion = errors.New("unsupported credential file version")

// Credentials are the connection details assigned to one registration.
type Credentials struct {
	// RegistrationID is the provisioning registration the credentials
	// belong to.
	RegistrationID string `json:"registration_id"`

	// AssignedHub is the endpoint the device was assigned to.
	AssignedHub string `json:"assigned_hub"`

	DeviceID string `json:"device_id"`
	ModuleID string `json:"module_id,omitempty"`

	// Credential is the secret presented when opening a session.
	Credential string `json:"credential,omitempty"`

	ETag string `json:"etag,omitempty"`

	// AssignedAt is when the registration reached the assigned state.
	AssignedAt time.Time `json:"assigned_at"`
}

// CredentialStore persists credentials by registration id.
type CredentialStore interface {
	Save(c *Credentials) error

	// Load returns nil, nil when nothing is stored for registrationID.
	Load(registrationID string) (*Credentials, error)

	Delete(registrationID string) error
}

type credentialFile struct {
	Version     int                     `json:"version"`
	SavedAt     time.Time               `json:"saved_at"`
	Credentials map[string]*Credentials `json:"credentials,omitempty"`
}

// FileStore keeps credentials in a JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ CredentialStore = (*FileStore)(nil)

// NewFileStore creates a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) read() (*credentialFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &credentialFile{Version: FileVersion, Credentials: map[string]*Credentials{}}, nil
	}
	if err != nil {
		return nil, err
	}

	f := &credentialFile{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	if f.Version > FileVersion {
		return nil, ErrUnsupportedVersion
	}
	if f.Credentials == nil {
		f.Credentials = map[string]*Credentials{}
	}
	return f, nil
}

// write replaces the file atomically.
func (s *FileStore) write(f *credentialFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	f.Version = FileVersion
	f.SavedAt = time.Now()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Save stores c, replacing any earlier credentials of the same registration.
func (s *FileStore) Save(c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if c.AssignedAt.IsZero() {
		c.AssignedAt = time.Now()
	}
	cp := *c
	f.Credentials[c.RegistrationID] = &cp
	return s.write(f)
}

// Load reads the credentials of one registration.
func (s *FileStore) Load(registrationID string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	return f.Credentials[registrationID], nil
}

// List returns every stored registration, ordered by registration id.
func (s *FileStore) List() ([]*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Credentials, 0, len(f.Credentials))
	for _, c := range f.Credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegistrationID < out[j].RegistrationID })
	return out, nil
}

// Delete removes one registration. Deleting an unknown one is a no-op.
func (s *FileStore) Delete(registrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Credentials[registrationID]; !ok {
		return nil
	}
	delete(f.Credentials, registrationID)
	return s.write(f)
}

// Clear removes the credential file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryStore keeps credentials in memory.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Credentials
}

var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]Credentials)}
}

func (s *MemoryStore) Save(c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.AssignedAt.IsZero() {
		c.AssignedAt = time.Now()
	}
	s.m[c.RegistrationID] = *c
	return nil
}

func (s *MemoryStore) Load(registrationID string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[registrationID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) Delete(registrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, registrationID)
	return nil
}
