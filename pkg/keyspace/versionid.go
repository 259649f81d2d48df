package keyspace

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// VersionIDs generates version ids that sort lexicographically in creation
// order. Ids from one generator are strictly increasing even within the
// same millisecond; the random component keeps ids from different processes
// apart.
type VersionIDs struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
	last    uint64
}

// NewVersionIDs returns a generator backed by crypto/rand.
func NewVersionIDs() *VersionIDs {
	return &VersionIDs{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New returns the next version id.
func (g *VersionIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := ulid.Timestamp(g.now())
	if ms < g.last {
		// The clock stepped back.
		ms = g.last
	}
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond. Move to the
		// next millisecond, which resets the entropy.
		ms++
		id = ulid.MustNew(ms, g.entropy)
	}
	g.last = ms
	return id.String()
}

var defaultVersionIDs = NewVersionIDs()

// NewVersionID returns a version id from the process wide generator.
func NewVersionID() string {
	return defaultVersionIDs.New()
}
