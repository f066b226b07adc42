package security

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"
)

const (
	// EscalationMargin is how far past a sensitive-endpoint limit a
	// client must go before the gate auto-blocks it.
	EscalationMargin = 5

	// DDoSMultiplier scales the general API limit into the auto-block
	// threshold for suspected DDoS traffic.
	DDoSMultiplier = 3

	// bruteForceWindow is how far back failed logins are counted when
	// deciding whether to auto-block.
	bruteForceWindow = 15 * time.Minute
)

// EndpointRule is a per-endpoint rate limit. Rules are matched by path
// prefix in configured order; the first match wins.
type EndpointRule struct {
	Prefix      string
	MaxRequests int
	Window      time.Duration
	Name        string
}

// Limits is the gate's policy configuration.
type Limits struct {
	Rules []EndpointRule

	// APIPrefix is the general API path prefix; everything under it
	// shares one fixed-window budget per client.
	APIPrefix       string
	APIMaxPerMinute int

	// AutoBlockThreshold is the number of failed logins within
	// bruteForceWindow before the client IP is auto-blocked.
	AutoBlockThreshold int

	// BlockDuration is how long automatic blocks last.
	BlockDuration time.Duration

	// LoginPath and RegisterPath are watched on the response side:
	// 401 on login and 201 on POST register drive the event log.
	LoginPath    string
	RegisterPath string
}

// RequestInfo is the framework-independent view of an inbound request.
type RequestInfo struct {
	IP        string
	Path      string
	Method    string
	UserAgent string
}

// Rejection is a gate decision to short-circuit a request. RetryAfter
// is whole seconds until the window resets, zero for blocked IPs.
type Rejection struct {
	Status     int
	Error      string
	Message    string
	RetryAfter int
	Rule       string
}

// Gate is the request-interception policy: it composes the block
// store, the rate-limit tracker and the event log into a single
// forward-or-reject decision per request. It owns all writes to the
// three stores; nothing else in the application mutates them.
type Gate struct {
	limits   Limits
	events   EventStore
	blocks   BlockStore
	trackers TrackerStore
	observer Observer

	now func() time.Time
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithObserver attaches an activity observer (metrics).
func WithObserver(o Observer) GateOption {
	return func(g *Gate) { g.observer = o }
}

// WithClock overrides the gate's time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(limits Limits, events EventStore, blocks BlockStore, trackers TrackerStore, opts ...GateOption) *Gate {
	g := &Gate{
		limits:   limits,
		events:   events,
		blocks:   blocks,
		trackers: trackers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs the pre-forward policy for a request and returns a
// rejection, or nil when the request may proceed. The order is fixed:
// block check, first matching sensitive rule, then the general API
// budget. Store read errors fail open so that a storage outage does
// not take the whole site down with it; degraded mode is logged.
func (g *Gate) Check(req RequestInfo) *Rejection {
	now := g.now()

	block, err := g.blocks.Get(req.IP)
	if err != nil {
		g.degraded("block lookup", req, err)
	} else if block != nil && block.Active(now) {
		g.log(&Event{
			Kind:      EventIPBlocked,
			Severity:  SeverityHigh,
			IPAddress: req.IP,
			UserAgent: req.UserAgent,
			Endpoint:  req.Path,
			Method:    req.Method,
			Details:   map[string]any{"message": "Attempted access from blocked IP"},
		})
		return g.reject(&Rejection{
			Status:  403,
			Error:   "Access denied",
			Message: "Your IP address has been blocked due to suspicious activity. Please contact support.",
			Rule:    "blocked",
		})
	}

	for _, rule := range g.limits.Rules {
		if !strings.HasPrefix(req.Path, rule.Prefix) {
			continue
		}
		dec, err := g.trackers.Hit(req.IP, rule.Prefix, rule.MaxRequests, rule.Window)
		if err != nil {
			g.degraded("rate limit check", req, err)
			break
		}
		if !dec.Allowed {
			retry := ceilSeconds(dec.RetryAfter)
			g.log(&Event{
				Kind:      EventRateLimit,
				Severity:  SeverityMedium,
				IPAddress: req.IP,
				UserAgent: req.UserAgent,
				Endpoint:  rule.Prefix,
				Method:    req.Method,
				Details: map[string]any{
					"endpoint_name":    rule.Name,
					"attempt_count":    dec.Count,
					"time_until_reset": retry,
				},
			})
			if dec.Count > rule.MaxRequests+EscalationMargin {
				g.autoBlock(req.IP, fmt.Sprintf("Excessive %s attempts", rule.Name), dec.Count)
			}
			return g.reject(&Rejection{
				Status:     429,
				Error:      "Rate limit exceeded",
				Message:    fmt.Sprintf("Too many %s attempts. Please try again in %d seconds.", rule.Name, retry),
				RetryAfter: retry,
				Rule:       rule.Name,
			})
		}
		// First matching prefix wins; no fallthrough to other rules.
		break
	}

	if g.limits.APIPrefix != "" && strings.HasPrefix(req.Path, g.limits.APIPrefix) {
		dec, err := g.trackers.Hit(req.IP, "api_general", g.limits.APIMaxPerMinute, time.Minute)
		if err != nil {
			g.degraded("general rate limit check", req, err)
			return nil
		}
		if !dec.Allowed {
			retry := ceilSeconds(dec.RetryAfter)
			g.log(&Event{
				Kind:      EventRateLimit,
				Severity:  SeverityLow,
				IPAddress: req.IP,
				Endpoint:  req.Path,
				Method:    req.Method,
				Details:   map[string]any{"message": "General API rate limit exceeded"},
			})
			if dec.Count > g.limits.APIMaxPerMinute*DDoSMultiplier {
				g.autoBlock(req.IP, "Potential DDoS attack", dec.Count)
				g.log(&Event{
					Kind:      EventDDoS,
					Severity:  SeverityCritical,
					IPAddress: req.IP,
					Endpoint:  req.Path,
					Details:   map[string]any{"request_count": dec.Count},
				})
			}
			return g.reject(&Rejection{
				Status:     429,
				Error:      "Rate limit exceeded",
				Message:    "Too many API requests. Please slow down.",
				RetryAfter: retry,
				Rule:       "api_general",
			})
		}
	}

	return nil
}

// Observe runs the post-response policy: failed logins feed the
// brute-force counter, successful registrations are recorded.
func (g *Gate) Observe(req RequestInfo, status int) {
	if strings.HasPrefix(req.Path, g.limits.LoginPath) && status == 401 {
		g.handleFailedLogin(req)
	}
	if strings.HasPrefix(req.Path, g.limits.RegisterPath) && req.Method == "POST" && status == 201 {
		g.log(&Event{
			Kind:      EventRegisterSuccess,
			Severity:  SeverityLow,
			IPAddress: req.IP,
			UserAgent: req.UserAgent,
			Endpoint:  req.Path,
			Method:    req.Method,
		})
	}
}

func (g *Gate) handleFailedLogin(req RequestInfo) {
	g.log(&Event{
		Kind:      EventLoginFail,
		Severity:  SeverityMedium,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Endpoint:  req.Path,
		Method:    req.Method,
	})

	recent, err := g.events.CountSince(EventLoginFail, req.IP, g.now().Add(-bruteForceWindow))
	if err != nil {
		g.degraded("failed login count", req, err)
		return
	}
	if recent >= int64(g.limits.AutoBlockThreshold) {
		g.autoBlock(req.IP, "Brute force login attempts", int(recent))
		g.log(&Event{
			Kind:      EventBruteForce,
			Severity:  SeverityCritical,
			IPAddress: req.IP,
			Details:   map[string]any{"failed_attempts": recent},
		})
	}
}

// BlockIP upserts a block and appends the matching ip_blocked event.
// Used both by the gate's own escalation and by the admin API.
func (g *Gate) BlockIP(p BlockParams) (*Block, error) {
	if !p.IsPermanent && p.Until == nil {
		until := g.now().Add(g.limits.BlockDuration)
		p.Until = &until
	}
	block, err := g.blocks.Upsert(p)
	if err != nil {
		return nil, err
	}

	details := map[string]any{
		"reason":    string(p.Reason),
		"permanent": p.IsPermanent,
	}
	if !p.IsPermanent && p.Until != nil {
		details["blocked_until"] = p.Until.UTC().Format(time.RFC3339)
	}
	g.log(&Event{
		Kind:      EventIPBlocked,
		Severity:  SeverityHigh,
		IPAddress: p.IPAddress,
		UserID:    p.BlockedBy,
		Details:   details,
	})
	return block, nil
}

// Unblock removes a block and records who lifted it. Reports whether
// a block existed.
func (g *Gate) Unblock(ip string, by *uint) (bool, error) {
	found, err := g.blocks.Delete(ip)
	if err != nil || !found {
		return found, err
	}
	g.log(&Event{
		Kind:      EventSuspicious,
		Severity:  SeverityLow,
		IPAddress: ip,
		UserID:    by,
		Details:   map[string]any{"action": "ip_unblocked"},
	})
	return true, nil
}

// Log appends an event on behalf of a collaborator (e.g. the login
// handler recording login_success). Best-effort, like every other
// telemetry write.
func (g *Gate) Log(ev *Event) {
	g.log(ev)
}

func (g *Gate) autoBlock(ip, reason string, attempts int) {
	_, err := g.BlockIP(BlockParams{
		IPAddress: ip,
		Reason:    ReasonAuto,
		Details:   fmt.Sprintf("%s (%d attempts)", reason, attempts),
	})
	if err != nil {
		log.Printf("security: auto-block of %s failed: %v", ip, err)
		return
	}
	if g.observer != nil {
		g.observer.AutoBlocked(ReasonAuto)
	}
}

// log appends an event, swallowing storage failures. Telemetry loss
// must never change the fate of the request being processed.
func (g *Gate) log(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now()
	}
	if err := g.events.Append(ev); err != nil {
		log.Printf("security: event append failed (%s from %s): %v", ev.Kind, ev.IPAddress, err)
		return
	}
	if g.observer != nil {
		g.observer.EventLogged(ev)
	}
}

// degraded records that a gate read failed and the request was let
// through unchecked, so operators notice silently-disabled protection.
func (g *Gate) degraded(op string, req RequestInfo, err error) {
	log.Printf("security: %s failed, failing open for %s %s from %s: %v", op, req.Method, req.Path, req.IP, err)
	g.log(&Event{
		Kind:      EventSuspicious,
		Severity:  SeverityHigh,
		IPAddress: req.IP,
		Endpoint:  req.Path,
		Method:    req.Method,
		Details:   map[string]any{"degraded_check": op, "error": err.Error()},
	})
}

func (g *Gate) reject(rej *Rejection) *Rejection {
	if g.observer != nil {
		g.observer.Rejected(rej)
	}
	return rej
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
