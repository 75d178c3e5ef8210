package types

import "regexp"

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	roleRegex       = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxPayloadBytes bounds any single inbound payload.
const MaxPayloadBytes = 256 * 1024

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	return len(userID) >= 1 && len(userID) <= 64 && identifierRegex.MatchString(userID)
}

// IsValidProjectID checks if a project ID meets format requirements.
// Project ids end up inside cache keys and SQL parameters, never in paths.
func IsValidProjectID(projectID string) bool {
	return len(projectID) >= 1 && len(projectID) <= 64 && identifierRegex.MatchString(projectID)
}

// IsValidRole checks the role string shape; whether the role grants anything
// is decided by the RoleTable.
func IsValidRole(role string) bool {
	return len(role) >= 1 && len(role) <= 32 && roleRegex.MatchString(role)
}

// ValidateIdentity checks the handshake triple a connection must present.
func ValidateIdentity(projectID, userID, role string) error {
	if !IsValidProjectID(projectID) {
		return ErrInvalidProjectID
	}
	if !IsValidUserID(userID) {
		return ErrInvalidUserID
	}
	if !IsValidRole(role) {
		return ErrInvalidRole
	}
	return nil
}
