package render

import (
	_ "embed"
	"math/rand"
	"strings"
	"sync"
	"time"

	browser "github.com/EDDYCJY/fake-useragent"
	"go.uber.org/zap"

	"github.com/TobiSchelling/trizwire/internal/logging"
)

//go:embed useragents.txt
var fallbackUserAgents string

// IdentityProvider hands out the user agent presented by a new session.
type IdentityProvider interface {
	UserAgent() string
}

// RandomIdentity draws a realistic user agent per session from
// fake-useragent, falling back to a built-in list when the library has no
// data (it downloads its list on first use and caches failures).
type RandomIdentity struct {
	family   string
	lookup   func(family string) string
	fallback map[string][]string

	mu  sync.Mutex
	rnd *rand.Rand

	warnOnce sync.Once
	log      *zap.SugaredLogger
}

// NewRandomIdentity returns an identity for family, one of firefox, chrome,
// safari or random. A nil rnd is seeded from the clock.
func NewRandomIdentity(family string, rnd *rand.Rand, logger *zap.SugaredLogger) *RandomIdentity {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomIdentity{
		family:   strings.ToLower(strings.TrimSpace(family)),
		lookup:   libraryUserAgent,
		fallback: parseUserAgents(fallbackUserAgents),
		rnd:      rnd,
		log:      logging.OrNop(logger),
	}
}

// UserAgent returns a fresh user agent for the configured family. It never
// returns an empty string.
func (r *RandomIdentity) UserAgent() string {
	if ua := strings.TrimSpace(r.lookup(r.family)); ua != "" {
		return ua
	}
	r.warnOnce.Do(func() {
		r.log.Warnw("User agent library returned nothing, using built-in list", "family", r.family)
	})

	pool := r.fallback[r.family]
	if len(pool) == 0 {
		pool = r.fallback["firefox"]
		if r.family == "random" {
			pool = nil
			for _, uas := range r.fallback {
				pool = append(pool, uas...)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return pool[r.rnd.Intn(len(pool))]
}

func libraryUserAgent(family string) string {
	switch family {
	case "chrome":
		return browser.Chrome()
	case "safari":
		return browser.Safari()
	case "random":
		return browser.Random()
	default:
		return browser.Firefox()
	}
}

func parseUserAgents(data string) map[string][]string {
	out := map[string][]string{}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		family, ua, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		out[family] = append(out[family], strings.TrimSpace(ua))
	}
	return out
}

// FixedIdentity always presents the same user agent.
type FixedIdentity string

// UserAgent returns the fixed value.
func (f FixedIdentity) UserAgent() string { return string(f) }
