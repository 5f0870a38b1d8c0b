package auth

import (
	"context"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// service implementa Service para un único usuario administrador cuyo
// hash bcrypt viene de la configuración.
type service struct {
	user   string
	hash   []byte
	tokens TokenManager
}

// NewService construye el servicio de autenticación. Con passwordHash vacío
// el login queda deshabilitado.
func NewService(user, passwordHash string, tokens TokenManager) Service {
	s := &service{user: user, tokens: tokens}
	if passwordHash != "" {
		s.hash = []byte(passwordHash)
	}
	return s
}

func (s *service) Login(_ context.Context, user, password string) (string, error) {
	if s.hash == nil {
		return "", ErrLoginDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) == 1
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(password)); err != nil || !userOK {
		return "", ErrInvalidCredentials
	}
	return s.tokens.GenerateToken(s.user)
}
