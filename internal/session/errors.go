package session

import "errors"

var (
	ErrNotFound            = errors.New("session: not found")
	ErrAlreadyExists       = errors.New("session: already exists")
	ErrInvalidInput        = errors.New("session: invalid input")
	ErrInvalidCredentials  = errors.New("session: invalid credentials")
	ErrInvalidToken        = errors.New("session: invalid token")
	ErrExpiredToken        = errors.New("session: token expired")
	ErrInvalidRefreshToken = errors.New("session: invalid refresh token")
	ErrInvalidResetToken   = errors.New("session: invalid or expired reset token")
)
