package ratelimit

import "strings"

// SegmentCost is charged for creating a segment. It dispatches a generation
// job, so it draws down the bucket faster than bible edits.
const SegmentCost int64 = 5

// Request is one call the API wants admitted. Route is the templated route
// label, e.g. "/v1/scenes/{sceneId}/segments".
type Request struct {
	Caller string
	Method string
	Route  string
}

func (r Request) key() string {
	return r.Method + " " + r.Route
}

// Policy prices client mutations in tokens. Requests it does not price are
// exempt, which covers reads and worker callbacks.
type Policy struct {
	costs map[string]int64
}

func DefaultPolicy() Policy {
	return Policy{costs: map[string]int64{
		"POST /v1/scenes/{sceneId}/segments":         SegmentCost,
		"PATCH /v1/scenes/{sceneId}/bible":           1,
		"POST /v1/scenes/{sceneId}/bible/characters": 1,
		"POST /v1/scenes/{sceneId}/bible/locations":  1,
		"POST /v1/scenes/{sceneId}/bible/objects":    1,
		"POST /v1/scenes/{sceneId}/bible/rules":      1,
		"POST /v1/scenes/{sceneId}/bible/timeline":   1,
		"POST /v1/scenes/{sceneId}/bible/validate":   1,
		"POST /v1/jobs/{id}/retry":                   1,
		"POST /v1/jobs/{id}/cancel":                  1,
	}}
}

// Cost reports the token price of req and whether it is limited at all.
func (p Policy) Cost(req Request) (int64, bool) {
	cost, ok := p.costs[req.key()]
	return cost, ok
}

// Subject names the bucket req draws from: one per caller and route, so a
// burst of segment requests does not starve the same caller's bible edits.
func (p Policy) Subject(req Request) string {
	caller := strings.TrimSpace(req.Caller)
	if caller == "" {
		caller = "anonymous"
	}
	return caller + ":" + req.Route
}
