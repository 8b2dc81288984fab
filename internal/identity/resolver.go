// Package identity decides which owner partition is active and which
// credentials accompany a remote call.
//
// The owner is "user:<id>" while a session exists and "guest:<id>"
// otherwise. The guest id is generated once per install, persisted in the
// settings table and kept across sign-in and sign-out. Changing identity
// never moves cached rows between partitions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/roach88/routinesync/internal/ids"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/retry"
)

const settingGuestID = "guest.id"

// Header names carried by every gateway request.
const (
	HeaderAuthorization = "Authorization"
	HeaderGuestID       = "X-Guest-Id"
)

// ErrOwnerInactive is returned by Credentials when a call is made on behalf
// of a user who is not the signed-in session.
var ErrOwnerInactive = errors.New("identity: owner is not the active session")

// Credentials are the identity headers of one request. Exactly one field
// is set.
type Credentials struct {
	BearerToken string
	GuestID     string
}

// Apply writes the credentials to h.
func (c Credentials) Apply(h http.Header) {
	switch {
	case c.BearerToken != "":
		h.Set(HeaderAuthorization, "Bearer "+c.BearerToken)
		h.Del(HeaderGuestID)
	case c.GuestID != "":
		h.Set(HeaderGuestID, c.GuestID)
		h.Del(HeaderAuthorization)
	}
}

// Validator checks a session against the remote before it is saved.
type Validator func(ctx context.Context, s Session) error

// Option configures a Resolver.
type Option func(*Resolver)

// WithGenerator sets the guest id generator.
func WithGenerator(g ids.Generator) Option {
	return func(r *Resolver) { r.gen = g }
}

// WithValidator makes SignIn verify the session first, retrying transient
// failures with the bounded retry policy.
func WithValidator(v Validator, p retry.Policy) Option {
	return func(r *Resolver) {
		r.validate = v
		r.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver is the Identity Resolver.
//
// Thread-safety: all methods are safe for concurrent use.
type Resolver struct {
	st       settings
	sessions SessionStore
	gen      ids.Generator
	validate Validator
	retry    retry.Policy
	logger   *slog.Logger

	mu        sync.Mutex
	guestID   string
	listeners []func(model.OwnerKey)
}

// Open loads or creates the install's guest id and returns a resolver.
func Open(ctx context.Context, st settings, sessions SessionStore, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		st:       st,
		sessions: sessions,
		gen:      ids.RandomGenerator{},
		retry:    retry.DefaultPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	guestID, err := getOptional(ctx, st, settingGuestID)
	if err != nil {
		return nil, fmt.Errorf("load guest id: %w", err)
	}
	if guestID == "" {
		guestID = r.gen.Generate()
		if err := st.SetSetting(ctx, settingGuestID, guestID); err != nil {
			return nil, fmt.Errorf("persist guest id: %w", err)
		}
		r.logger.Info("created guest identity", "guest_id", guestID)
	}
	r.guestID = guestID
	return r, nil
}

// GuestID returns the install's guest id.
func (r *Resolver) GuestID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guestID
}

// CurrentOwnerKey returns the active partition key.
func (r *Resolver) CurrentOwnerKey() model.OwnerKey {
	if sess, ok := r.sessions.Session(); ok && sess.Valid() {
		return model.UserOwner(sess.UserID)
	}
	return model.GuestOwner(r.GuestID())
}

// Session returns the current session, if any.
func (r *Resolver) Session() (Session, bool) {
	return r.sessions.Session()
}

// OnChange registers fn to run after every sign-in or sign-out with the new
// owner key.
func (r *Resolver) OnChange(fn func(model.OwnerKey)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// SignIn validates (when configured) and stores sess. Existing rows stay in
// their partitions.
func (r *Resolver) SignIn(ctx context.Context, sess Session) error {
	if sess.UserID == "" {
		return model.NewValidationError("userId", "must not be blank")
	}
	if sess.Token == "" {
		return model.NewValidationError("token", "must not be blank")
	}
	if r.validate != nil {
		err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
			return r.validate(ctx, sess)
		})
		if err != nil {
			return model.WithOp("identity.sign_in", err)
		}
	}
	if err := r.sessions.Save(ctx, sess); err != nil {
		return model.NewStorageError("identity.sign_in", err)
	}
	r.logger.Info("signed in", "user_id", sess.UserID)
	r.notify()
	return nil
}

// SignOut forgets the session. The guest id is kept.
func (r *Resolver) SignOut(ctx context.Context) error {
	if err := r.sessions.Clear(ctx); err != nil {
		return model.NewStorageError("identity.sign_out", err)
	}
	r.logger.Info("signed out")
	r.notify()
	return nil
}

func (r *Resolver) notify() {
	owner := r.CurrentOwnerKey()
	r.mu.Lock()
	listeners := append([]func(model.OwnerKey){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(owner)
	}
}

type ownerCtxKey struct{}

// WithOwner binds ctx to a specific owner. Credentials then answers for
// that owner instead of the current one.
func WithOwner(ctx context.Context, owner model.OwnerKey) context.Context {
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

// OwnerFrom returns the owner bound by WithOwner.
func OwnerFrom(ctx context.Context) (model.OwnerKey, bool) {
	owner, ok := ctx.Value(ownerCtxKey{}).(model.OwnerKey)
	return owner, ok && owner != ""
}

// Credentials returns the headers for a call made on behalf of the owner
// bound to ctx, or of the current owner.
//
// A guest owner always gets its own guest id. A user owner gets the bearer
// token only while that user is signed in; otherwise ErrOwnerInactive.
func (r *Resolver) Credentials(ctx context.Context) (Credentials, error) {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		owner = r.CurrentOwnerKey()
	}

	switch owner.Kind() {
	case model.OwnerGuest:
		return Credentials{GuestID: owner.ID()}, nil
	case model.OwnerUser:
		sess, ok := r.sessions.Session()
		if !ok || sess.UserID != owner.ID() {
			return Credentials{}, fmt.Errorf("%s: %w", owner, ErrOwnerInactive)
		}
		return Credentials{BearerToken: sess.Token}, nil
	default:
		return Credentials{}, fmt.Errorf("invalid owner key %q", owner)
	}
}
