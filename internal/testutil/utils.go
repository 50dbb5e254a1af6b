package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/npezzotti/go-ticketchat/internal/auth"
	"github.com/rs/zerolog"
)

var SigningKey = []byte("some_secret")

// TestLogger writes to stdout rather than t.Log since room and session
// goroutines may still log after the test returns.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.DebugLevel).With().
		Timestamp().
		Str("test", t.Name()).
		Logger()
}

// IssueToken returns a token signed with SigningKey, valid for an hour.
func IssueToken(t *testing.T, userId, name string, roles ...auth.Role) string {
	t.Helper()
	token, err := auth.NewIssuer(SigningKey).Issue(userId, name, roles, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}
