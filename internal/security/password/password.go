// Package password implements the credential hashing policy: bcrypt hashing
// with a configured cost, verification, rehash detection and strength rules.
package password

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// PolicyVersion is stamped on every credential produced by Hash.
const PolicyVersion = 1

const (
	DefaultCost = 12
	// MinLength counts characters.
	MinLength = 8
	// MaxLength is the bcrypt input limit in bytes; longer input would be silently truncated.
	MaxLength = 72
	// minClasses is how many of {upper, lower, digit, special} must be present.
	minClasses = 3
)

var (
	ErrEmptyPassword   = errors.New("password is empty")
	ErrPasswordTooLong = errors.New("password exceeds maximum length")
)

// Strength rule identifiers reported by ValidateStrength.
const (
	RuleTooShort         = "too_short"
	RuleTooLong          = "too_long"
	RuleCharacterClasses = "character_classes"
)

type Config struct {
	Cost        int
	Concurrency int
}

type StrengthResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Engine hashes and verifies passwords. bcrypt is CPU bound, so calls are
// admitted through a weighted semaphore sized to the available cores.
type Engine struct {
	cost  int
	slots *semaphore.Weighted
	dummy []byte
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Cost == 0 {
		cfg.Cost = DefaultCost
	}
	if cfg.Cost < bcrypt.MinCost || cfg.Cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cfg.Cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("plm-dummy-credential"), cfg.Cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Engine{
		cost:  cfg.Cost,
		slots: semaphore.NewWeighted(int64(cfg.Concurrency)),
		dummy: dummy,
	}, nil
}

func (e *Engine) Cost() int {
	return e.cost
}

// Hash returns a salted bcrypt hash. ctx only bounds the wait for a hashing
// slot; once started the computation runs to completion.
func (e *Engine) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	if len(plaintext) > MaxLength {
		return "", ErrPasswordTooLong
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer e.slots.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), e.cost)
	if err != nil {
		return "", fmt.Errorf("generate password hash: %w", err)
	}

	return string(hash), nil
}

// Verify reports whether plaintext matches hash. It never returns an error;
// any failure, including a cancelled ctx, is a mismatch.
func (e *Engine) Verify(ctx context.Context, plaintext string, hash string) bool {
	if plaintext == "" || hash == "" {
		return false
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return false
	}
	defer e.slots.Release(1)

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// DummyVerify spends one verification on a fixed hash so that unknown
// accounts cost the same as a wrong password.
func (e *Engine) DummyVerify(ctx context.Context, plaintext string) {
	if plaintext == "" {
		plaintext = "x"
	}
	_ = e.Verify(ctx, plaintext, string(e.dummy))
}

// NeedsRehash is true when the hash was produced with a different cost than
// the one currently configured. Unparseable hashes always need a rehash.
func (e *Engine) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != e.cost
}

// ValidateStrength reports every rule the password violates.
func ValidateStrength(plaintext string) StrengthResult {
	errs := make([]string, 0, 3)

	if utf8.RuneCountInString(plaintext) < MinLength {
		errs = append(errs, RuleTooShort)
	}
	if len(plaintext) > MaxLength {
		errs = append(errs, RuleTooLong)
	}
	if countClasses(plaintext) < minClasses {
		errs = append(errs, RuleCharacterClasses)
	}

	if len(errs) == 0 {
		return StrengthResult{Valid: true}
	}
	return StrengthResult{Valid: false, Errors: errs}
}

func countClasses(s string) int {
	var upper, lower, digit, special bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}

	n := 0
	for _, present := range []bool{upper, lower, digit, special} {
		if present {
			n++
		}
	}
	return n
}
