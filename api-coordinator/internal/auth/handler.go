package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// loginRequest representa el body de login.
type loginRequest struct {
	User     string `json:"user" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// loginResponse es la respuesta estándar.
type loginResponse struct {
	Token string `json:"token"`
}

// Handler expone los endpoints HTTP de auth.
type Handler struct {
	svc     Service
	timeout time.Duration
}

// NewHandler crea un handler de autenticación.
func NewHandler(svc Service) *Handler {
	return &Handler{
		svc:     svc,
		timeout: 5 * time.Second,
	}
}

// RegisterRoutes registra las rutas /api/auth/*
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/login", h.login)
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload inválido", "details": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	token, err := h.svc.Login(ctx, req.User, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "credenciales inválidas"})
		case errors.Is(err, ErrLoginDisabled):
			c.JSON(http.StatusNotFound, gin.H{"error": "login deshabilitado"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no se pudo iniciar sesión"})
		}
		return
	}

	c.JSON(http.StatusOK, loginResponse{Token: token})
}
