package auth

import (
	"context"
	"net/http"
)

// StaticGate serves a fixed bearer token, for deployments with auth
// disabled at the edge and for tests. An empty token sends no header.
type StaticGate struct {
	token string
	user  User
}

func NewStaticGate(token string, user User) *StaticGate {
	return &StaticGate{token: token, user: user}
}

func (g *StaticGate) EnsureFresh(context.Context) (string, error) {
	return g.token, nil
}

func (g *StaticGate) Token() string { return g.token }

func (g *StaticGate) Apply(req *http.Request) { setBearer(req, g.token) }

func (g *StaticGate) Login(context.Context) error { return ErrLoginRequired }

func (g *StaticGate) User() User { return g.user }
