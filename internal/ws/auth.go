// Package ws serves live process updates over websockets.
package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	SessionCookie = "session"
	TokenParam    = "token"
)

var (
	ErrUnauthorized = errors.New("missing or unknown session token")
	ErrForbidden    = errors.New("process belongs to another user")
)

// Store is the part of the durable store the endpoints read.
type Store interface {
	GetProcess(ctx context.Context, id string) (models.Process, error)
	GetPipeline(ctx context.Context, id string) (models.Pipeline, error)
	FindUserBySession(ctx context.Context, session string) (models.User, error)
	FindEventsByProcess(ctx context.Context, processID string) ([]models.EventRecord, error)
}

// Token returns the session token of r. The Authorization header wins over
// the session cookie, which wins over the token query parameter.
func Token(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return h
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(TokenParam)
}

// Authenticate resolves the user owning the session token of r.
func Authenticate(ctx context.Context, store Store, r *http.Request) (models.User, error) {
	token := Token(r)
	if token == "" {
		return models.User{}, ErrUnauthorized
	}
	user, err := store.FindUserBySession(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, ErrUnauthorized
	}
	return user, errors.Wrap(err, "find user by session")
}

// Authorize loads the process and checks that user may watch it: admins may
// watch every process, other users only those of their own pipelines.
func Authorize(ctx context.Context, store Store, user models.User, processID string) (models.Process, error) {
	p, err := store.GetProcess(ctx, processID)
	if err != nil {
		return models.Process{}, errors.Wrapf(err, "get process %s", processID)
	}
	if user.IsAdmin() {
		return p, nil
	}
	owner := p.UserID
	pipeline, err := store.GetPipeline(ctx, p.PipelineID)
	switch {
	case err == nil:
		owner = pipeline.UserID
	case !errors.Is(err, storage.ErrNotFound):
		return models.Process{}, errors.Wrapf(err, "get pipeline %s", p.PipelineID)
	}
	if owner != "" && owner != user.ID {
		return models.Process{}, ErrForbidden
	}
	return p, nil
}

// StatusCode maps an authentication or lookup error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
