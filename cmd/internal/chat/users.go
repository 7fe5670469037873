package chat

import "context"

// User is the directory view of a user. The core only relies on ID.
type User struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	AvatarURL   string `yaml:"avatar_url" json:"avatar_url,omitempty"`
}

// Name returns the display name, falling back to the id.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

// UserDirectory resolves user records. Account management lives elsewhere.
type UserDirectory interface {
	// Get returns ErrNotFound when the user does not exist.
	Get(ctx context.Context, id string) (User, error)
	// List returns every known user sorted by id.
	List(ctx context.Context) ([]User, error)
}
