package game

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// PublicSeedSource supplies the public half of a round's randomness.
type PublicSeedSource interface {
	Fetch(ctx context.Context) (string, error)
}

// ServerSeedSource draws the public seed from crypto/rand on this server.
type ServerSeedSource struct{}

func (ServerSeedSource) Fetch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return GenerateSeed(), nil
}

var ErrBadPublicSeed = errors.New("public seed is not a hex digest")

// HTTPSeedSource reads a value the house does not control, such as the latest
// block hash of a public chain, served as a plain hex body.
type HTTPSeedSource struct {
	URL     string
	Timeout time.Duration
}

func NewHTTPSeedSource(url string, timeout time.Duration) *HTTPSeedSource {
	return &HTTPSeedSource{URL: url, Timeout: timeout}
}

type fetchResult struct {
	seed string
	err  error
}

func (s *HTTPSeedSource) Fetch(ctx context.Context) (string, error) {
	done := make(chan fetchResult, 1)
	go func() {
		agent := fiber.Get(s.URL).Timeout(s.Timeout)
		code, body, errs := agent.Bytes()
		if len(errs) > 0 {
			done <- fetchResult{err: fmt.Errorf("fetch %s: %w", s.URL, errors.Join(errs...))}
			return
		}
		if code != fiber.StatusOK {
			done <- fetchResult{err: fmt.Errorf("fetch %s: status %d", s.URL, code)}
			return
		}
		seed, err := parsePublicSeed(string(body))
		done <- fetchResult{seed: seed, err: err}
	}()

	select {
	case r := <-done:
		return r.seed, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func parsePublicSeed(body string) (string, error) {
	seed := strings.ToLower(strings.TrimSpace(body))
	if len(seed) < 32 {
		return "", ErrBadPublicSeed
	}
	if _, err := hex.DecodeString(seed); err != nil {
		return "", ErrBadPublicSeed
	}
	return seed, nil
}
