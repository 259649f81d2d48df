package multipart

import "sync"

// claims tracks the operations running on each upload of this process.
// Part uploads share an upload; complete and abort need it alone, since
// they hand the part blobs over to an object or delete them.
type claims struct {
	mu        sync.Mutex
	parts     map[string]int
	exclusive map[string]bool
}

func newClaims() *claims {
	return &claims{
		parts:     map[string]int{},
		exclusive: map[string]bool{},
	}
}

// shared registers a part upload. It fails while the upload is completing
// or aborting.
func (c *claims) shared(uploadID string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exclusive[uploadID] {
		return nil, false
	}
	c.parts[uploadID]++
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.parts[uploadID]--; c.parts[uploadID] <= 0 {
			delete(c.parts, uploadID)
		}
	}, true
}

// exclusiveClaim registers a complete or abort. It fails while any other
// operation runs on the upload.
func (c *claims) exclusiveClaim(uploadID string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exclusive[uploadID] || c.parts[uploadID] > 0 {
		return nil, false
	}
	c.exclusive[uploadID] = true
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.exclusive, uploadID)
	}, true
}
