// Package msgid generates collision-resistant message identifiers.
//
// Ids derive from a one-way hash of the local device identifier, the
// current timestamp, a sub-millisecond precision component and a random
// salt, truncated to a fixed length. Generation checks local existence and
// regenerates a bounded number of times, so a collision is resolved
// internally or surfaces as ErrIDCollision to the caller.
package msgid

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/meshrelay/meshrelay-go/pkg/meshrelay"
)

const (
	// idLength is the truncated hex length of a generated id.
	idLength = 16

	// maxAttempts bounds regeneration on local collision.
	maxAttempts = 5

	saltLength = 8
)

// ExistenceChecker reports whether a message id is already in use locally.
type ExistenceChecker interface {
	MessageExists(ctx context.Context, id string) (bool, error)
}

// Generator produces unique message ids for one device.
type Generator struct {
	deviceID string
	store    ExistenceChecker
}

// NewGenerator creates a Generator bound to a device identifier and the
// local store used for collision checks.
func NewGenerator(deviceID string, store ExistenceChecker) *Generator {
	return &Generator{deviceID: deviceID, store: store}
}

// Generate returns a new message id that does not exist locally.
// Returns meshrelay.ErrIDCollision when maxAttempts regenerations all
// collided.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := g.derive()
		if err != nil {
			return "", err
		}

		exists, err := g.store.MessageExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("id existence check: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", meshrelay.ErrIDCollision
}

func (g *Generator) derive() (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	now := time.Now()
	input := fmt.Sprintf("%s|%d|%d|%s",
		g.deviceID, now.UnixMilli(), now.Nanosecond(), hex.EncodeToString(salt))

	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:idLength], nil
}
