// Package shortlink is the in-memory link shortener behind the
// shorten_link request and the /direct/ redirect.
package shortlink

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrUnknownLink = errors.New("unknown short link")

// Charset deliberately omits characters that read ambiguously; lookups
// normalize the remaining confusables.
const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHJKLMNPRSTUVWXYZ#1234567890"

const shortHost = "omega.tensamin.net/direct/"

// Entries older than this are pruned by the hourly sweep.
const maxEntryAge = 30 * 24 * time.Hour

type entry struct {
	long      string
	createdAt time.Time
}

// Store holds short code → long URL mappings. Codes grow with load so the
// collision loop stays cheap.
type Store struct {
	mu      sync.RWMutex
	links   map[string]entry
	randInt func(n int) int
	now     func() time.Time
	cron    *cron.Cron
	log     zerolog.Logger
}

type Option func(*Store)

// WithRand overrides the code-picking randomness (tests).
func WithRand(randInt func(n int) int) Option {
	return func(s *Store) { s.randInt = randInt }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(log zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		links: make(map[string]entry),
		now:   time.Now,
		log:   log.With().Str("component", "shortlink").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartPruning schedules the hourly cleanup of expired entries. Call Stop
// on shutdown.
func (s *Store) StartPruning() {
	s.cron = cron.New()
	s.cron.AddFunc("@hourly", s.Prune)
	s.cron.Start()
}

func (s *Store) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Shorten stores the long URL and returns the public short form, grouped
// in 4-character blocks for readability.
func (s *Store) Shorten(long string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var code string
	for {
		code = s.generateCode(s.codeLength())
		if _, taken := s.links[code]; !taken {
			break
		}
	}
	s.links[code] = entry{long: long, createdAt: s.now()}
	return shortHost + formatWithDashes(code)
}

// Resolve maps a short code (with or without dash formatting) back to the
// long URL.
func (s *Store) Resolve(short string) (string, error) {
	normalized := normalizeShort(short)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.links[normalized]
	if !ok {
		return "", ErrUnknownLink
	}
	return e.long, nil
}

// Prune drops entries past their age limit.
func (s *Store) Prune() {
	cutoff := s.now().Add(-maxEntryAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.links)
	for code, e := range s.links {
		if e.createdAt.Before(cutoff) {
			delete(s.links, code)
		}
	}
	if pruned := before - len(s.links); pruned > 0 {
		s.log.Debug().Int("pruned", pruned).Int("remaining", len(s.links)).Msg("Pruned expired short links")
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// codeLength scales with occupancy. Caller holds the lock.
func (s *Store) codeLength() int {
	switch n := len(s.links); {
	case n < 2_000:
		return 4
	case n < 1_000_000:
		return 8
	default:
		return 12
	}
}

func (s *Store) generateCode(length int) string {
	pick := s.randInt
	if pick == nil {
		pick = secureRandInt
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[pick(len(charset))]
	}
	return string(b)
}

func formatWithDashes(code string) string {
	var parts []string
	for len(code) > 4 {
		parts = append(parts, code[:4])
		code = code[4:]
	}
	parts = append(parts, code)
	return strings.Join(parts, "-")
}

// normalizeShort strips dash formatting and folds characters that are
// easily misread for ones in the charset.
func normalizeShort(input string) string {
	var b strings.Builder
	for _, c := range input {
		switch c {
		case '-':
		case 'Q', 'O':
			b.WriteRune('0')
		case 'I':
			b.WriteRune('l')
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
