// Package auth provides the token gates that stand in front of every
// authenticated request. A gate hands out a fresh credential or fails after
// kicking off a login, in which case the caller must not send the request.
package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrLoginRequired  = errors.New("login required")
	ErrNotInitialized = errors.New("token gate not initialized")
	ErrAlreadyStarted = errors.New("token gate already initialized")
)

// LoginFunc receives the URL the user has to visit to sign in again.
type LoginFunc func(loginURL string)

type Gate interface {
	// EnsureFresh returns a usable credential, refreshing it when it is
	// close to expiry. Errors wrap ErrLoginRequired once a login was
	// triggered.
	EnsureFresh(ctx context.Context) (string, error)
	// Token returns the current credential without refreshing.
	Token() string
	// Apply attaches the credential to an outgoing request.
	Apply(req *http.Request)
	// Login starts an interactive sign-in.
	Login(ctx context.Context) error
	User() User
}

// User holds identity claims of the signed-in user.
type User struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// ID is the identifier sent along with agent requests.
func (u User) ID() string {
	switch {
	case u.Email != "":
		return u.Email
	case u.PreferredUsername != "":
		return u.PreferredUsername
	default:
		return "unknown"
	}
}

func setBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
