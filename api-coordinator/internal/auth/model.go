package auth

import (
	"context"
	"errors"
)

// Errores de dominio de auth.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrLoginDisabled      = errors.New("auth: admin login not configured")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

// Service define la lógica de negocio expuesta a los handlers.
type Service interface {
	Login(ctx context.Context, user, password string) (token string, err error)
}

// TokenManager abstrae la generación y validación de tokens.
type TokenManager interface {
	GenerateToken(subject string) (string, error)
	ValidateToken(token string) (string, error)
}
