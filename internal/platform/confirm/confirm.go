// Package confirm implements two-phase confirmation for destructive actions.
// The first phase issues a short-lived signed token bound to the action,
// entity and actor; the second phase redeems it exactly once.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/radiology/internal/platform/apperr"
)

const issuer = "radiology-confirm"

type claims struct {
	jwt.RegisteredClaims
	Action     string `json:"act"`
	EntityType string `json:"ent"`
	EntityID   string `json:"eid"`
}

// Token is returned to the caller of the first phase.
type Token struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	EntityID  string    `json:"entity_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Confirmer issues and redeems tokens. Consumed token ids are remembered
// until they expire.
type Confirmer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time
}

func New(secret []byte, ttl time.Duration) (*Confirmer, error) {
	if len(secret) == 0 {
		return nil, errors.New("confirmation secret is required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Confirmer{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
		used:   make(map[string]time.Time),
	}, nil
}

// Request issues a token authorising actor to perform action on entityID.
func (c *Confirmer) Request(_ context.Context, action, entityType, entityID, actor string) (*Token, error) {
	if action == "" || entityID == "" || actor == "" {
		return nil, apperr.Validation("action, entity and actor are required for confirmation")
	}
	now := c.now()
	exp := now.Add(c.ttl)
	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
	if err != nil {
		return nil, err
	}
	return &Token{Token: signed, Action: action, EntityID: entityID, ExpiresAt: exp}, nil
}

// Commit validates token for the given action, entity and actor and marks it
// consumed. Any mismatch returns a ConfirmationRequired error.
func (c *Confirmer) Commit(_ context.Context, token, action, entityID, actor string) error {
	if token == "" {
		return apperr.ConfirmationRequired("missing confirmation token")
	}

	cl := &claims{}
	parsed, err := jwt.ParseWithClaims(token, cl, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return apperr.ConfirmationRequired("confirmation token expired")
		}
		return apperr.ConfirmationRequired("invalid confirmation token")
	}

	if cl.Action != action || cl.EntityID != entityID {
		return apperr.ConfirmationRequired("confirmation token was issued for a different action")
	}
	if cl.Subject != actor {
		return apperr.ConfirmationRequired("confirmation token was issued to a different user")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	if _, seen := c.used[cl.ID]; seen {
		return apperr.ConfirmationRequired("confirmation token already used")
	}
	c.used[cl.ID] = cl.ExpiresAt.Time
	return nil
}

// sweep drops consumed ids whose tokens have expired. Caller holds mu.
func (c *Confirmer) sweep() {
	now := c.now()
	for id, exp := range c.used {
		if now.After(exp) {
			delete(c.used, id)
		}
	}
}
