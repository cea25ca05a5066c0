package domain

// User is the minimal subject record consumed by the legacy password grant.
type User struct {
	ID           string
	TenantID     string
	Username     string
	Email        string
	Name         string
	PasswordHash string
	Disabled     bool
}
