package shortlink

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestShortenResolveRoundTrip(t *testing.T) {
	s := NewStore(zerolog.Nop())

	short := s.Shorten("https://example.com/very/long/path")
	if !strings.HasPrefix(short, "omega.tensamin.net/direct/") {
		t.Fatalf("short form = %q", short)
	}
	code := strings.TrimPrefix(short, "omega.tensamin.net/direct/")

	long, err := s.Resolve(code)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if long != "https://example.com/very/long/path" {
		t.Errorf("resolved = %q", long)
	}

	// Dashes are display formatting only.
	long, err = s.Resolve(strings.ReplaceAll(code, "-", ""))
	if err != nil {
		t.Errorf("resolve without dashes: %v", err)
	}
	if long != "https://example.com/very/long/path" {
		t.Errorf("resolved = %q", long)
	}
}

func TestResolveUnknown(t *testing.T) {
	s := NewStore(zerolog.Nop())
	if _, err := s.Resolve("zzzz"); !errors.Is(err, ErrUnknownLink) {
		t.Errorf("err = %v", err)
	}
}

func TestConfusableNormalization(t *testing.T) {
	// Force a code containing 0 and l, then resolve its confusable spelling.
	seq := []byte("0l0l")
	i := 0
	s := NewStore(zerolog.Nop(), WithRand(func(n int) int {
		c := seq[i%len(seq)]
		i++
		return strings.IndexByte(charset, c)
	}))

	s.Shorten("https://example.com")
	if _, err := s.Resolve("OIQI"); err != nil {
		t.Errorf("confusable spelling did not resolve: %v", err)
	}
}

func TestCodeLengthScales(t *testing.T) {
	s := NewStore(zerolog.Nop())
	if got := s.codeLength(); got != 4 {
		t.Errorf("empty store code length = %d", got)
	}
	for i := 0; i < 2_000; i++ {
		s.links[string(rune(i))+"pad"] = entry{}
	}
	if got := s.codeLength(); got != 8 {
		t.Errorf("2k store code length = %d", got)
	}
}

func TestDashFormatting(t *testing.T) {
	if got := formatWithDashes("abcdefgh"); got != "abcd-efgh" {
		t.Errorf("formatWithDashes = %q", got)
	}
	if got := formatWithDashes("abcd"); got != "abcd" {
		t.Errorf("formatWithDashes = %q", got)
	}
	if got := formatWithDashes("abcdef"); got != "abcd-ef" {
		t.Errorf("formatWithDashes = %q", got)
	}
}

func TestPrune(t *testing.T) {
	now := time.Now()
	s := NewStore(zerolog.Nop(), WithClock(func() time.Time { return now }))

	short := s.Shorten("https://old.example.com")
	code := strings.TrimPrefix(short, "omega.tensamin.net/direct/")

	now = now.Add(31 * 24 * time.Hour)
	fresh := s.Shorten("https://fresh.example.com")
	freshCode := strings.TrimPrefix(fresh, "omega.tensamin.net/direct/")

	s.Prune()
	if _, err := s.Resolve(code); !errors.Is(err, ErrUnknownLink) {
		t.Error("expired entry survived pruning")
	}
	if _, err := s.Resolve(freshCode); err != nil {
		t.Errorf("fresh entry pruned: %v", err)
	}
}
