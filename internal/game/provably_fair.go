package game

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crash/internal/logger"
)

// uniformBits is how many leading bits of the HMAC feed the uniform draw.
const uniformBits = 52

// CrashPoint derives the crash multiplier from both seeds:
//
//	h    = HMAC-SHA256(key = privateSeed, msg = publicSeed)
//	X    = first 52 bits of h / 2^52, uniform in [0,1)
//	crash = floor(99 / (1 - X)) hundredths, clamped to [1.00x, MAX_MULTIPLIER]
//
// About 1% of rounds crash instantly at 1.00x.
func CrashPoint(privateSeed, publicSeed string) Multiplier {
	h := hmac.New(sha256.New, []byte(privateSeed))
	h.Write([]byte(publicSeed))
	hashHex := hex.EncodeToString(h.Sum(nil))

	v, _ := strconv.ParseUint(hashHex[:uniformBits/4], 16, 64)
	x := float64(v) / float64(uint64(1)<<uniformBits)
	return crashPointFromUniform(x)
}

func crashPointFromUniform(x float64) Multiplier {
	crash := math.Floor(99 / (1 - x))
	if crash >= float64(MAX_MULTIPLIER) {
		return MAX_MULTIPLIER
	}
	if crash < float64(MIN_MULTIPLIER) {
		return MIN_MULTIPLIER
	}
	return Multiplier(crash)
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// NewSeedPair returns a fresh private seed and its published commitment.
func NewSeedPair() (privateSeed, privateHash string) {
	privateSeed = GenerateSeed()
	return privateSeed, HashCommitment(privateSeed)
}

var (
	ErrCommitmentMismatch = errors.New("private seed does not match commitment")
	ErrCrashPointMismatch = errors.New("crash point does not match seeds")
)

// VerifyRound lets players check a finished round end to end.
func VerifyRound(privateSeed, privateHash, publicSeed string, claimed Multiplier) error {
	if HashCommitment(privateSeed) != privateHash {
		return ErrCommitmentMismatch
	}
	if got := CrashPoint(privateSeed, publicSeed); got != claimed {
		return fmt.Errorf("%w: computed %s, claimed %s", ErrCrashPointMismatch, got, claimed)
	}
	return nil
}

// OutcomeDeriver fixes the outcome of a round once betting has closed.
type OutcomeDeriver interface {
	Derive(ctx context.Context, privateSeed string) (Outcome, error)
}

// Generator combines the round's private seed with a public seed fetched from
// source. It never falls back to another source.
type Generator struct {
	source  PublicSeedSource
	timeout time.Duration
	window  time.Duration
}

func NewGenerator(source PublicSeedSource, timeout, window time.Duration) *Generator {
	return &Generator{source: source, timeout: timeout, window: window}
}

func (g *Generator) Derive(ctx context.Context, privateSeed string) (Outcome, error) {
	var publicSeed string
	fetch := func() error {
		fctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		seed, err := g.source.Fetch(fctx)
		if err != nil {
			return err
		}
		publicSeed = seed
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = g.window

	notify := func(err error, wait time.Duration) {
		logger.Warn(ctx).Err(err).Dur("retry_in", wait).Msg("[FAIR] public seed fetch failed")
	}
	if err := backoff.RetryNotify(fetch, backoff.WithContext(b, ctx), notify); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrSeedUnavailable, err)
	}

	return Outcome{
		PublicSeed: publicSeed,
		CrashPoint: CrashPoint(privateSeed, publicSeed),
	}, nil
}
