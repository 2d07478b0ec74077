package models

const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusError   = "error"
)

// DefaultMaxMembers is the seat capacity of a new account, not counting the
// implicit admin seat.
const DefaultMaxMembers = 7

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	FullName     string `json:"full_name"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Account is a managed seat pool on the upstream platform. DesiredMembers is
// the allow-list of member emails (admin excluded, lowercase); UpstreamID may
// be empty until resolved from the platform's session endpoint.
type Account struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	Name           string   `json:"name"`
	AdminEmail     string   `json:"admin_email"`
	UpstreamID     string   `json:"upstream_id,omitempty"`
	AccessToken    string   `json:"-"`
	DesiredMembers []string `json:"desired_members"`
	MaxMembers     int      `json:"max_members"`
	Status         string   `json:"status"`
	LastError      string   `json:"last_error,omitempty"`
	LastErrorAt    *int64   `json:"last_error_at,omitempty"`
	ErrorCount     int      `json:"error_count"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
}
