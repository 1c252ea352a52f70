package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role enumerates account roles.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

var (
	// ErrInvalidEmail indicates an empty or malformed email address.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrInvalidUsername indicates an empty username or one containing the key separator.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidRole indicates a role outside the supported set.
	ErrInvalidRole = errors.New("users: invalid role")
)

const maxIdentifierLength = 190

// User is the stored account record.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewUser carries the caller-supplied fields of a user.
type NewUser struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Role        Role   `json:"role"`
}

// UserUpdate merges non-nil fields into an existing user.
type UserUpdate struct {
	Email       *string `json:"email"`
	Username    *string `json:"username"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Role        *Role   `json:"role"`
}

// ParseRole validates a raw role; the empty string defaults to student.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.TrimSpace(raw)); role {
	case "":
		return RoleStudent, nil
	case RoleStudent, RoleInstructor, RoleAdmin:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func validateEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	at := strings.Index(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEmail, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateUsername(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.Contains(trimmed, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, raw)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUsername, maxIdentifierLength)
	}
	return trimmed, nil
}

// indexValue is the normalized form stored in the uniqueness indexes.
func indexValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
