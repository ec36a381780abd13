package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Seeder installs the built-in catalog.
type Seeder interface {
	SeedDefaults(ctx context.Context, actorID int64) (rbac.SeedResult, error)
}

// Issuer signs access tokens.
type Issuer interface {
	Issue(userID int64, ttl time.Duration) (string, error)
}

// Seed installs the default permissions, roles and bindings and reports what
// was created. Re-running it creates nothing.
func Seed(ctx context.Context, s Seeder, actorID int64, out io.Writer) error {
	if actorID <= 0 {
		return errors.New("seed: actor id must be positive")
	}
	res, err := s.SeedDefaults(ctx, actorID)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	_, err = fmt.Fprintf(out, "seeded %d permissions, %d roles, %d bindings\n", res.Permissions, res.Roles, res.Bindings)
	return err
}

// IssueToken writes a signed token for userID. With asJSON the output also
// carries the expiry.
func IssueToken(i Issuer, userID int64, ttl time.Duration, asJSON bool, out io.Writer) error {
	if ttl <= 0 {
		return errors.New("token: ttl must be positive")
	}
	token, err := i.Issue(userID, ttl)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if !asJSON {
		_, err = fmt.Fprintln(out, token)
		return err
	}
	return json.NewEncoder(out).Encode(map[string]any{
		"user_id":    userID,
		"token":      token,
		"expires_in": int64(ttl / time.Second),
	})
}
