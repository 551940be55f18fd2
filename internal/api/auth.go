package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/dragon-core/internal/auth"
)

const (
	// ticketTTL bounds the gap between POST /auth/ws-ticket and the upgrade.
	ticketTTL   = 60 * time.Second
	ticketBytes = 32
)

type ticketEntry struct {
	expiresAt time.Time
	subject   string
	role      auth.Role
}

// ticketStore hands out single-use WebSocket tickets so the bearer token
// never appears in a URL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

func (ts *ticketStore) issue(subject string, role auth.Role, now time.Time) string {
	b := make([]byte, ticketBytes)
	_, _ = rand.Read(b) // never fails on supported platforms
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{expiresAt: now.Add(ticketTTL), subject: subject, role: role}
	ts.mu.Unlock()
	return ticket
}

// redeem consumes ticket whether or not it has expired.
func (ts *ticketStore) redeem(ticket string, now time.Time) (ticketEntry, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	e, ok := ts.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(ts.tickets, ticket)
	return e, now.Before(e.expiresAt)
}

func (ts *ticketStore) sweep(now time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for ticket, e := range ts.tickets {
		if now.After(e.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

// run sweeps unredeemed tickets once per TTL until ctx ends.
func (ts *ticketStore) run(ctx context.Context) {
	tick := time.NewTicker(ticketTTL)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			ts.sweep(now)
		}
	}
}

func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	var subject string
	var role auth.Role
	if c := claimsFromContext(r.Context()); c != nil {
		subject, role = c.Subject, c.Role
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(subject, role, time.Now()),
		"expires_in": int(ticketTTL.Seconds()),
	})
}
