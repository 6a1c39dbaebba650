package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/radiology/internal/platform/apperr"
)

func newTestConfirmer(t *testing.T) *Confirmer {
	t.Helper()
	c, err := New([]byte("0123456789abcdef0123456789abcdef"), time.Minute)
	require.NoError(t, err)
	return c
}

func TestConfirmer_RoundTrip(t *testing.T) {
	c := newTestConfirmer(t)
	ctx := context.Background()

	tok, err := c.Request(ctx, "key_image.delete", "key_image", "img-1", "rad-1")
	require.NoError(t, err)
	assert.Equal(t, "img-1", tok.EntityID)

	require.NoError(t, c.Commit(ctx, tok.Token, "key_image.delete", "img-1", "rad-1"))
}

func TestConfirmer_SingleUse(t *testing.T) {
	c := newTestConfirmer(t)
	ctx := context.Background()

	tok, err := c.Request(ctx, "key_image.purge", "report", "1.2.3", "rad-1")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, tok.Token, "key_image.purge", "1.2.3", "rad-1"))

	err = c.Commit(ctx, tok.Token, "key_image.purge", "1.2.3", "rad-1")
	assert.ErrorIs(t, err, apperr.ErrConfirmationRequired)
}

func TestConfirmer_Mismatch(t *testing.T) {
	c := newTestConfirmer(t)
	ctx := context.Background()
	tok, err := c.Request(ctx, "key_image.delete", "key_image", "img-1", "rad-1")
	require.NoError(t, err)

	tests := []struct {
		name     string
		action   string
		entityID string
		actor    string
	}{
		{"other action", "key_image.purge", "img-1", "rad-1"},
		{"other entity", "key_image.delete", "img-2", "rad-1"},
		{"other actor", "key_image.delete", "img-1", "rad-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Commit(ctx, tok.Token, tt.action, tt.entityID, tt.actor)
			assert.ErrorIs(t, err, apperr.ErrConfirmationRequired)
		})
	}

	// A rejected attempt does not consume the token.
	require.NoError(t, c.Commit(ctx, tok.Token, "key_image.delete", "img-1", "rad-1"))
}

func TestConfirmer_Expired(t *testing.T) {
	c := newTestConfirmer(t)
	ctx := context.Background()
	base := time.Now()
	c.now = func() time.Time { return base }

	tok, err := c.Request(ctx, "key_image.delete", "key_image", "img-1", "rad-1")
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	err = c.Commit(ctx, tok.Token, "key_image.delete", "img-1", "rad-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestConfirmer_BadSignature(t *testing.T) {
	c := newTestConfirmer(t)
	other, err := New([]byte("another-secret-another-secret-xx"), time.Minute)
	require.NoError(t, err)

	tok, err := other.Request(context.Background(), "key_image.delete", "key_image", "img-1", "rad-1")
	require.NoError(t, err)

	err = c.Commit(context.Background(), tok.Token, "key_image.delete", "img-1", "rad-1")
	assert.ErrorIs(t, err, apperr.ErrConfirmationRequired)
}

func TestConfirmer_MissingToken(t *testing.T) {
	c := newTestConfirmer(t)
	err := c.Commit(context.Background(), "", "key_image.delete", "img-1", "rad-1")
	assert.ErrorIs(t, err, apperr.ErrConfirmationRequired)
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(nil, time.Minute)
	assert.Error(t, err)
}
