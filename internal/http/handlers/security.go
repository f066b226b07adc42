package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"loadouthub/internal/security"
)

type eventResponse struct {
	ID        uint           `json:"id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent,omitempty"`
	UserID    *uint          `json:"user,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Method    string         `json:"method,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type blockResponse struct {
	ID                 uint       `json:"id"`
	IPAddress          string     `json:"ip_address"`
	Reason             string     `json:"reason"`
	Details            string     `json:"details,omitempty"`
	BlockedAt          time.Time  `json:"blocked_at"`
	BlockedUntil       *time.Time `json:"blocked_until,omitempty"`
	IsPermanent        bool       `json:"is_permanent"`
	BlockedBy          *uint      `json:"blocked_by,omitempty"`
	AttemptCount       int        `json:"attempt_count"`
	LastAttempt        time.Time  `json:"last_attempt"`
	IsCurrentlyBlocked bool       `json:"is_currently_blocked"`
}

func eventToResponse(ev *security.Event) eventResponse {
	return eventResponse{
		ID:        ev.ID,
		EventType: string(ev.Kind),
		Severity:  string(ev.Severity),
		IPAddress: ev.IPAddress,
		UserAgent: ev.UserAgent,
		UserID:    ev.UserID,
		Endpoint:  ev.Endpoint,
		Method:    ev.Method,
		Details:   ev.Details,
		Timestamp: ev.Timestamp,
	}
}

func blockToResponse(b *security.Block, now time.Time) blockResponse {
	return blockResponse{
		ID:                 b.ID,
		IPAddress:          b.IPAddress,
		Reason:             string(b.Reason),
		Details:            b.Details,
		BlockedAt:          b.BlockedAt,
		BlockedUntil:       b.BlockedUntil,
		IsPermanent:        b.IsPermanent,
		BlockedBy:          b.BlockedBy,
		AttemptCount:       b.AttemptCount,
		LastAttempt:        b.LastAttempt,
		IsCurrentlyBlocked: b.Active(now),
	}
}

func eventsToResponse(events []security.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for i := range events {
		out = append(out, eventToResponse(&events[i]))
	}
	return out
}

func blocksToResponse(blocks []security.Block) []blockResponse {
	now := time.Now()
	out := make([]blockResponse, 0, len(blocks))
	for i := range blocks {
		out = append(out, blockToResponse(&blocks[i], now))
	}
	return out
}

// ListSecurityEvents returns the audit trail newest-first, with
// optional event_type / severity / ip filters and limit/offset paging.
func ListSecurityEvents(events security.EventStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		limit, offset := parsePaging(ctx)
		f := security.EventFilter{
			Kind:      security.EventKind(ctx.QueryArgs().Peek("event_type")),
			Severity:  security.Severity(ctx.QueryArgs().Peek("severity")),
			IPAddress: string(ctx.QueryArgs().Peek("ip")),
			Limit:     limit,
			Offset:    offset,
		}
		list, err := events.List(f)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list events")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"results": eventsToResponse(list)})
	}
}

// SecurityEventsByIP returns the full event history for one IP.
func SecurityEventsByIP(events security.EventStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ip := string(ctx.QueryArgs().Peek("ip"))
		if ip == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "IP address parameter required")
			return
		}
		limit, offset := parsePaging(ctx)
		list, err := events.List(security.EventFilter{IPAddress: ip, Limit: limit, Offset: offset})
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list events")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"results": eventsToResponse(list)})
	}
}

// SecurityDashboard aggregates the day's security picture: event
// totals, active blocks, recent attacks and the worst offenders.
func SecurityDashboard(events security.EventStore, blocks security.BlockStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		now := time.Now()

		stats, err := events.Dashboard(now)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to aggregate events")
			return
		}
		blockedCount, err := blocks.CountActive(now)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to count blocks")
			return
		}
		topBlocked, err := blocks.TopOffenders(10)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list blocks")
			return
		}

		breakdown := make(map[string]int64, len(stats.EventBreakdown))
		for k, v := range stats.EventBreakdown {
			breakdown[string(k)] = v
		}

		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"total_events_today":    stats.TotalEventsToday,
			"failed_logins_today":   stats.FailedLoginsToday,
			"blocked_ips_count":     blockedCount,
			"critical_events_today": stats.CriticalEventsToday,
			"recent_attacks":        eventsToResponse(stats.RecentAttacks),
			"top_blocked_ips":       blocksToResponse(topBlocked),
			"event_types_breakdown": breakdown,
		})
	}
}

// ListIPBlocks returns block rows newest-first; with active=true (or
// via the /active/ route) only blocks still in effect.
func ListIPBlocks(blocks security.BlockStore, activeOnly bool) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		limit, offset := parsePaging(ctx)
		active := activeOnly || ctx.QueryArgs().GetBool("active")
		list, err := blocks.ListBlocks(active, limit, offset)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list blocks")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"results": blocksToResponse(list)})
	}
}

type createBlockRequest struct {
	IPAddress     string `json:"ip_address"`
	Reason        string `json:"reason"`
	Details       string `json:"details"`
	DurationHours int    `json:"duration_hours"`
	IsPermanent   bool   `json:"is_permanent"`
}

// CreateIPBlock manually blocks an IP on behalf of the acting admin.
func CreateIPBlock(gate *security.Gate) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		admin, ok := MustUser(ctx)
		if !ok {
			return
		}

		var req createBlockRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.IPAddress == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "ip_address is required")
			return
		}
		reason := security.BlockReason(req.Reason)
		if reason == "" {
			reason = security.ReasonManual
		}
		switch reason {
		case security.ReasonAuto, security.ReasonManual, security.ReasonBruteForce,
			security.ReasonDDoS, security.ReasonSuspicious:
		default:
			errResponse(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("unknown reason %q", req.Reason))
			return
		}
		if req.DurationHours < 0 || req.DurationHours > 8760 {
			errResponse(ctx, fasthttp.StatusBadRequest, "duration_hours must be between 1 and 8760")
			return
		}

		params := security.BlockParams{
			IPAddress:   req.IPAddress,
			Reason:      reason,
			Details:     req.Details,
			IsPermanent: req.IsPermanent,
			BlockedBy:   &admin.ID,
		}
		if !req.IsPermanent && req.DurationHours > 0 {
			until := time.Now().Add(time.Duration(req.DurationHours) * time.Hour)
			params.Until = &until
		}

		block, err := gate.BlockIP(params)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to block IP")
			return
		}
		jsonResponse(ctx, fasthttp.StatusCreated, blockToResponse(block, time.Now()))
	}
}

type unblockRequest struct {
	IPAddress string `json:"ip_address"`
}

// UnblockIP lifts a block and records who lifted it.
func UnblockIP(gate *security.Gate) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		admin, ok := MustUser(ctx)
		if !ok {
			return
		}

		var req unblockRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.IPAddress == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "ip_address is required")
			return
		}

		found, err := gate.Unblock(req.IPAddress, &admin.ID)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to unblock IP")
			return
		}
		if !found {
			errResponse(ctx, fasthttp.StatusNotFound, "IP is not blocked")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"message":    fmt.Sprintf("IP %s has been unblocked", req.IPAddress),
			"ip_address": req.IPAddress,
		})
	}
}

type bulkUnblockRequest struct {
	IPAddresses []string `json:"ip_addresses"`
}

// BulkUnblockIPs lifts several blocks at once, reporting which IPs
// were found and which were not.
func BulkUnblockIPs(gate *security.Gate) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		admin, ok := MustUser(ctx)
		if !ok {
			return
		}

		var req bulkUnblockRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.IPAddresses) == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no IP addresses provided")
			return
		}

		unblocked := make([]string, 0, len(req.IPAddresses))
		notFound := make([]string, 0)
		for _, ip := range req.IPAddresses {
			found, err := gate.Unblock(ip, &admin.ID)
			if err != nil {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to unblock IPs")
				return
			}
			if found {
				unblocked = append(unblocked, ip)
			} else {
				notFound = append(notFound, ip)
			}
		}

		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"message":   fmt.Sprintf("Unblocked %d IP(s)", len(unblocked)),
			"unblocked": unblocked,
			"not_found": notFound,
		})
	}
}
