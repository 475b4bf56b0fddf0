package omero

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session is a gateway session scoped to one order's user and group,
// opened by the service account via sudo.
type Session struct {
	Key       string
	UserName  string
	UserID    int64
	GroupName string
	ExpiresAt time.Time
}

// Expired reports whether the session has passed its TTL.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// OwnerDir returns the repository's per-owner directory name under the
// managed root, "<omename>_<uid>".
func (s *Session) OwnerDir() string {
	return fmt.Sprintf("%s_%d", s.UserName, s.UserID)
}

// sessionCache holds sudo sessions keyed by user|group so one worker's
// consecutive orders for the same identity reuse a session until TTL.
type sessionCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]*Session
}

func newSessionCache(ttl time.Duration) *sessionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &sessionCache{ttl: ttl, m: make(map[string]*Session)}
}

func (sc *sessionCache) get(user, group string) *Session {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s := sc.m[user+"|"+group]
	if s == nil || s.Expired() {
		return nil
	}
	return s
}

func (sc *sessionCache) put(s *Session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.m[s.UserName+"|"+s.GroupName] = s
}

// SessionFor opens (or reuses) a session as user in group, sudo'd from
// the service's root credentials.
func (c *Client) SessionFor(ctx context.Context, user, group string) (*Session, error) {
	if s := c.sessions.get(user, group); s != nil {
		return s, nil
	}

	var out struct {
		SessionKey string `json:"sessionKey"`
		UserID     int64  `json:"userId"`
	}
	body := map[string]string{
		"username": c.username,
		"password": c.password,
		"sudo_for": user,
		"group":    group,
	}
	if err := c.post(ctx, nil, "/api/v0/login/", body, &out); err != nil {
		return nil, fmt.Errorf("open session for %s in %s: %w", user, group, err)
	}
	if out.SessionKey == "" {
		return nil, fmt.Errorf("open session for %s in %s: gateway returned no session key", user, group)
	}

	s := &Session{
		Key:       out.SessionKey,
		UserName:  user,
		UserID:    out.UserID,
		GroupName: group,
		ExpiresAt: time.Now().Add(c.sessions.ttl),
	}
	c.sessions.put(s)
	return s, nil
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}
