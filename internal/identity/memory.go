package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process directory for tests and DB_ADAPTER=memory.
type MemoryDirectory struct {
	mu      sync.Mutex
	users   map[string]User
	invites []string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: map[string]User{}}
}

// AddUser registers an account, assigning an id when u.ID is empty.
func (d *MemoryDirectory) AddUser(u User) User {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	d.users[NormalizeEmail(u.Email)] = u
	return u
}

func (d *MemoryDirectory) FindUserByEmail(_ context.Context, email string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (d *MemoryDirectory) InviteUserByEmail(_ context.Context, email, _ string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := NormalizeEmail(email)
	if _, ok := d.users[key]; ok {
		return nil, ErrEmailExists
	}
	u := User{ID: uuid.NewString(), Email: email}
	d.users[key] = u
	d.invites = append(d.invites, email)
	return &u, nil
}

// Invites lists the addresses that were sent invitation emails.
func (d *MemoryDirectory) Invites() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.invites...)
}
