package auth

import "time"

// Account is the stored credential record of a principal.
// It mirrors the principals table and should not include JSON annotations so
// it can be reused by different presentation layers.
type Account struct {
	ID           string
	Address      Address
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Address     Address `json:"address"`
	Password    string  `json:"password"`
	DisplayName string  `json:"display_name"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Address  Address `json:"address"`
	Password string  `json:"password"`
}
