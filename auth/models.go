package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Account is a registered caller of the HTTP surface. Identity is the
// address; roles and dispute membership are resolved elsewhere.
type Account struct {
	ID           string
	Address      common.Address
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}
