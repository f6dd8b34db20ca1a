package directory

import (
	"context"
	"strings"
	"sync"
)

// StaticDirectory is a map-backed Directory used in no-DB mode and tests.
// In no-DB mode it auto-provisions a minimal profile on first sight so that
// local development does not require seeding users.
type StaticDirectory struct {
	mu            sync.RWMutex
	profiles      map[string]Profile
	autoProvision bool
}

// NewStaticDirectory constructs a StaticDirectory with the given seed profiles.
func NewStaticDirectory(seed map[string]Profile, autoProvision bool) *StaticDirectory {
	profiles := make(map[string]Profile, len(seed))
	for id, p := range seed {
		p.UserID = id
		profiles[id] = p
	}
	return &StaticDirectory{
		profiles:      profiles,
		autoProvision: autoProvision,
	}
}

// Put installs or replaces a profile.
func (d *StaticDirectory) Put(p Profile) {
	if d == nil || strings.TrimSpace(p.UserID) == "" {
		return
	}
	d.mu.Lock()
	d.profiles[p.UserID] = p
	d.mu.Unlock()
}

// Resolve returns the profile for userID or ErrNotFound.
func (d *StaticDirectory) Resolve(_ context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, ErrInvalidInput
	}

	d.mu.RLock()
	p, ok := d.profiles[userID]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}

	if !d.autoProvision {
		return Profile{}, ErrNotFound
	}

	p = Profile{UserID: userID, Name: userID}
	d.mu.Lock()
	if existing, ok := d.profiles[userID]; ok {
		p = existing
	} else {
		d.profiles[userID] = p
	}
	d.mu.Unlock()
	return p, nil
}
