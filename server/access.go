package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Claim records which user has taken control of the meter and when.  It is
// advisory; requests from other users are not refused
type Claim struct {
	User  string    `json:"user"`
	Busy  bool      `json:"busy"`
	Since time.Time `json:"since"`
}

// Access holds the current Claim
type Access struct {
	mu    sync.Mutex
	claim Claim
	log   logrus.FieldLogger
}

// NewAccess returns an unclaimed Access logging to log
func NewAccess(log logrus.FieldLogger) *Access {
	return &Access{log: log}
}

// claimRequest is the body of a claim, {"user": "foo"}
type claimRequest struct {
	User string `json:"user"`
}

// Notify takes POST requests with JSON {"user": "foo"} and records the
// claim.  A body that does not decode or names no user is a BadRequest
func (a *Access) Notify(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "cannot decode claim, need JSON field \"user\": "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.User == "" {
		http.Error(w, "claim names no user", http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	prev := a.claim
	a.claim = Claim{User: req.User, Busy: true, Since: time.Now()}
	a.mu.Unlock()
	entry := a.log.WithFields(logrus.Fields{"user": req.User, "from": r.RemoteAddr})
	if prev.Busy && prev.User != req.User {
		entry = entry.WithField("previous", prev.User)
	}
	entry.Info("meter claimed")
	w.WriteHeader(http.StatusOK)
}

// Release clears the claim
func (a *Access) Release(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	prev := a.claim
	a.claim = Claim{}
	a.mu.Unlock()
	a.log.WithFields(logrus.Fields{
		"user":  prev.User,
		"since": prev.Since.Format(time.RFC822),
		"from":  r.RemoteAddr,
	}).Info("meter released")
	w.WriteHeader(http.StatusOK)
}

// Check responds with the JSON Claim
func (a *Access) Check(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	c := a.claim
	a.mu.Unlock()
	RespondJSON(w, c)
}

// RouteTable returns the claim routes
func (a *Access) RouteTable() RouteTable {
	return RouteTable{
		{http.MethodGet, "/claim"}:    a.Check,
		{http.MethodPost, "/claim"}:   a.Notify,
		{http.MethodPost, "/release"}: a.Release,
	}
}
