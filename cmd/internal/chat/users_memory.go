package chat

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryDirectory is a dev-only user directory seeded from config.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory builds a directory from the given users. Blank ids are skipped.
func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// usersFile is the on-disk format of the dev seed file:
//
//	users:
//	  - id: alice
//	    display_name: Alice
type usersFile struct {
	Users []User `yaml:"users"`
}

// LoadMemoryDirectory reads a YAML seed file.
func LoadMemoryDirectory(path string) (*MemoryDirectory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	return NewMemoryDirectory(f.Users...), nil
}

// ParseUserList parses "id[:Display Name],id2[:Name]" into users.
func ParseUserList(raw string) []User {
	var out []User
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, _ := strings.Cut(part, ":")
		out = append(out, User{ID: strings.TrimSpace(id), DisplayName: strings.TrimSpace(name)})
	}
	return out
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u User) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return
	}
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *MemoryDirectory) Get(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return User{}, notFound("chat.users.Get", "user not found")
	}
	return u, nil
}

func (d *MemoryDirectory) List(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ UserDirectory = (*MemoryDirectory)(nil)
