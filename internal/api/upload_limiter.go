package api

import (
	"sync"
	"time"
)

// UploadLimiter caps the number of uploads a single IP address may have in
// flight at once. Uploads hold a slot from TryTrack until Done.
type UploadLimiter struct {
	mu          sync.RWMutex
	maxInFlight int
	byIP        map[string]map[string]time.Time // IP -> upload ID -> start time
	uploadToIP  map[string]string               // upload ID -> IP (reverse lookup)
}

// NewUploadLimiter creates a limiter allowing maxInFlight concurrent uploads
// per IP. A limit of 0 or less disables the cap.
func NewUploadLimiter(maxInFlight int) *UploadLimiter {
	return &UploadLimiter{
		maxInFlight: maxInFlight,
		byIP:        make(map[string]map[string]time.Time),
		uploadToIP:  make(map[string]string),
	}
}

// InFlight returns the number of uploads in progress for ip.
func (l *UploadLimiter) InFlight(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byIP[ip])
}

// Max returns the configured per-IP limit.
func (l *UploadLimiter) Max() int {
	return l.maxInFlight
}

// TryTrack records uploadID for ip if ip is below the limit and reports
// whether it did.
func (l *UploadLimiter) TryTrack(ip, uploadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxInFlight > 0 && len(l.byIP[ip]) >= l.maxInFlight {
		return false
	}
	if l.byIP[ip] == nil {
		l.byIP[ip] = make(map[string]time.Time)
	}
	l.byIP[ip][uploadID] = time.Now()
	l.uploadToIP[uploadID] = ip
	return true
}

// Done releases the slot held by uploadID.
func (l *UploadLimiter) Done(uploadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ip, ok := l.uploadToIP[uploadID]
	if !ok {
		return // already released or cleaned up
	}

	delete(l.uploadToIP, uploadID)
	if uploads := l.byIP[ip]; uploads != nil {
		delete(uploads, uploadID)
		if len(uploads) == 0 {
			delete(l.byIP, ip)
		}
	}
}

// CleanupExpired releases slots held longer than maxAge, which only happens
// when a handler never reached Done. Returns the number of entries removed.
func (l *UploadLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for ip, uploads := range l.byIP {
		for uploadID, startedAt := range uploads {
			if startedAt.Before(cutoff) {
				delete(uploads, uploadID)
				delete(l.uploadToIP, uploadID)
				removed++
			}
		}
		if len(uploads) == 0 {
			delete(l.byIP, ip)
		}
	}

	return removed
}
