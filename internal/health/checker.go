package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// ReadinessCheck is a named probe a Checker runs on every /readyz request.
// It returns nil when healthy, or an error describing why it isn't.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// NATSCheck wraps a plain bool probe (e.g. "is the connection open") in the
// ReadinessCheck shape, for callers that only need a liveness-style flag.
func NATSCheck(isConnected func() bool) func() error {
	return func() error {
		if isConnected() {
			return nil
		}
		return errNotConnected
	}
}

// SQSCheck wraps a context-free health probe, matching the shape
// CheckBrokerConnectivity-style callers already have in hand.
func SQSCheck(ping func() error) func() error {
	return ping
}

var errNotConnected = httpError("broker not connected")

type httpError string

func (e httpError) Error() string { return string(e) }

// Checker aggregates liveness (process is up) and readiness (every
// registered check currently passes) for the node's health endpoints.
// Liveness never fails once constructed; readiness is the sum of whatever
// checks the caller registered (broker connectivity, queue feeder state).
type Checker struct {
	mu     sync.Mutex
	checks []ReadinessCheck
}

// NewChecker builds an empty Checker; callers add checks with
// AddReadinessCheck before serving traffic.
func NewChecker() *Checker {
	return &Checker{}
}

// AddReadinessCheck registers a check under the generic name "check", run
// fresh on every /readyz hit.
func (c *Checker) AddReadinessCheck(check func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, ReadinessCheck{Name: "check", Check: check})
}

// AddNamedReadinessCheck registers a named check for callers that want the
// name surfaced in the JSON response body.
func (c *Checker) AddNamedReadinessCheck(name string, check func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, ReadinessCheck{Name: name, Check: check})
}

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type statusBody struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks,omitempty"`
}

func (c *Checker) runChecks() (ok bool, results []checkResult) {
	c.mu.Lock()
	checks := append([]ReadinessCheck(nil), c.checks...)
	c.mu.Unlock()

	ok = true
	for _, rc := range checks {
		res := checkResult{Name: rc.Name, OK: true}
		if err := rc.Check(); err != nil {
			res.OK = false
			res.Error = err.Error()
			ok = false
		}
		results = append(results, res)
	}
	return ok, results
}

func writeStatus(w http.ResponseWriter, ok bool, results []checkResult) {
	w.Header().Set("Content-Type", "application/json")
	body := statusBody{Checks: results}
	if ok {
		body.Status = "ok"
		w.WriteHeader(http.StatusOK)
	} else {
		body.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HandleHealth reports the same result as HandleReady; kept as a distinct
// route since operators commonly point uptime monitors at /health rather
// than /readyz.
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	c.HandleReady(w, r)
}

// HandleLive always reports ok: a process that can answer HTTP at all is
// alive by definition, regardless of its dependencies' state.
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, true, nil)
}

// HandleReady runs every registered check and reports 503 if any failed.
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	ok, results := c.runChecks()
	writeStatus(w, ok, results)
}
