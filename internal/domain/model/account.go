package model

import "time"

// Account is one registered user and the credentials it has linked.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Credentials  CredentialSet
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
