/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

// Query API.  Serves the recorded DNS activity, traffic rollups, and
// the threat intelligence workflow over HTTP.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/guregu/null"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
	"github.com/peanutyost/Network-Logging/nl_common/netinfo"
	"github.com/peanutyost/Network-Logging/threatintel"
)

const defaultAPIListen = ":8000"

var apiEcho *echo.Echo

type apiServer struct {
	db      loggerdb.DataStore
	threats *threatintel.Manager
	secret  []byte
}

func newAPIServer(db loggerdb.DataStore, threats *threatintel.Manager, secret []byte) *apiServer {
	return &apiServer{db: db, threats: threats, secret: secret}
}

// mapError turns store and manager errors into HTTP statuses before the
// default handler renders them.
func mapError(err error, c echo.Context) {
	cause := errors.Cause(err)
	switch {
	case loggerdb.IsNotFound(err):
		err = echo.NewHTTPError(http.StatusNotFound, cause.Error())
	case cause == threatintel.ErrThrottled:
		err = echo.NewHTTPError(http.StatusTooManyRequests, cause.Error())
	case cause == threatintel.ErrFeedDisabled,
		cause == threatintel.ErrScanActive:
		err = echo.NewHTTPError(http.StatusConflict, cause.Error())
	case cause == threatintel.ErrUnknownFeed:
		err = echo.NewHTTPError(http.StatusNotFound, cause.Error())
	}
	c.Echo().DefaultHTTPErrorHandler(err, c)
}

func (a *apiServer) router() *echo.Echo {
	r := echo.New()
	r.HideBanner = true
	r.Use(middleware.Recover())
	r.HTTPErrorHandler = mapError

	r.GET("/health", a.handleHealth)
	r.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	r.POST("/api/auth/login", a.handleLogin)

	api := r.Group("/api", a.authRequired)
	api.GET("/dns/search", a.handleDNSSearch)
	api.GET("/dns/recent", a.handleDNSRecent)
	api.GET("/dns/events", a.handleDNSEvents)
	api.GET("/dns/domain/:domain", a.handleDNSDomain)
	api.GET("/whois/:domain", a.handleWhois)

	api.GET("/traffic/domain/:domain", a.handleTrafficByDomain)
	api.GET("/traffic/top", a.handleTopDomains)
	api.GET("/traffic/orphaned-ips", a.handleOrphanedIPs)
	api.GET("/dashboard/stats", a.handleDashboard)

	api.GET("/threats/feeds", a.handleFeeds)
	api.POST("/threats/feeds/:name/update", a.handleFeedUpdate)
	api.POST("/threats/feeds/:name/enabled", a.handleFeedEnabled)
	api.POST("/threats/scan", a.handleScan, a.adminRequired)
	api.GET("/threats/scan/last", a.handleLastScan)
	api.GET("/threats/alerts", a.handleAlerts)
	api.POST("/threats/alerts/:id/resolve", a.handleAlertResolve)
	api.GET("/threats/whitelist", a.handleWhitelistList)
	api.POST("/threats/whitelist", a.handleWhitelistAdd)
	api.DELETE("/threats/whitelist/:id", a.handleWhitelistRemove)
	api.GET("/threats/whitelist/export", a.handleWhitelistExport)
	api.POST("/threats/whitelist/import", a.handleWhitelistImport)

	api.POST("/users", a.handleCreateUser, a.adminRequired)
	return r
}

func intQuery(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// sinceQuery converts an "hours" parameter into a window start, nil
// meaning unbounded.
func sinceQuery(c echo.Context) *time.Time {
	hours := intQuery(c, "hours", 0)
	if hours <= 0 {
		return nil
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	return &since
}

func (a *apiServer) handleHealth(c echo.Context) error {
	if err := a.db.Ping(); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable,
			"database unreachable")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleDNSSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"q parameter is required")
	}
	lookups, err := a.db.SearchDomains(c.Request().Context(), q,
		intQuery(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lookups)
}

func (a *apiServer) handleDNSRecent(c echo.Context) error {
	lookups, err := a.db.RecentDNSLookups(c.Request().Context(),
		intQuery(c, "limit", 100), sinceQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lookups)
}

func (a *apiServer) handleDNSEvents(c echo.Context) error {
	filter := loggerdb.DNSEventFilter{
		Limit:     intQuery(c, "limit", 100),
		Since:     sinceQuery(c),
		SourceIP:  c.QueryParam("source_ip"),
		Domain:    netinfo.NormalizeDomain(c.QueryParam("domain")),
		EventType: c.QueryParam("event_type"),
	}
	events, err := a.db.DNSEvents(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func (a *apiServer) handleDNSDomain(c echo.Context) error {
	domain := netinfo.NormalizeDomain(c.Param("domain"))
	lookup, err := a.db.DNSLookupByDomain(c.Request().Context(), domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lookup)
}

func (a *apiServer) handleWhois(c echo.Context) error {
	domain := netinfo.NormalizeDomain(c.Param("domain"))
	rec, err := a.db.WhoisByDomain(c.Request().Context(), domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (a *apiServer) handleTrafficByDomain(c echo.Context) error {
	domain := netinfo.NormalizeDomain(c.Param("domain"))
	flows, err := a.db.TrafficByDomain(c.Request().Context(), domain,
		sinceQuery(c), nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flows)
}

func (a *apiServer) handleTopDomains(c echo.Context) error {
	top, err := a.db.TopDomains(c.Request().Context(),
		intQuery(c, "limit", 20), sinceQuery(c), nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, top)
}

func (a *apiServer) handleOrphanedIPs(c echo.Context) error {
	days := intQuery(c, "days", orphanedDays())
	if days < 1 || days > 365 {
		return echo.NewHTTPError(http.StatusBadRequest,
			"days must be between 1 and 365")
	}
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	orphans, err := a.db.OrphanedIPs(c.Request().Context(), start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"days":    days,
		"results": orphans,
	})
}

func (a *apiServer) handleDashboard(c echo.Context) error {
	stats, err := a.db.DashboardStats(c.Request().Context(),
		intQuery(c, "hours", 24))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *apiServer) handleFeeds(c echo.Context) error {
	feeds, err := a.db.ThreatFeeds(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, feeds)
}

func (a *apiServer) handleFeedUpdate(c echo.Context) error {
	force := c.QueryParam("force") == "true"
	row, err := a.threats.UpdateFeed(c.Request().Context(),
		c.Param("name"), force)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

func (a *apiServer) handleFeedEnabled(c echo.Context) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}
	err := a.db.SetThreatFeedEnabled(c.Request().Context(),
		c.Param("name"), req.Enabled)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *apiServer) handleScan(c echo.Context) error {
	days := intQuery(c, "days", 30)
	if days < 1 || days > 365 {
		return echo.NewHTTPError(http.StatusBadRequest,
			"days must be between 1 and 365")
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	// The scan walks the whole event log; don't tie it to the request
	// context's lifetime beyond a generous bound.
	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Minute)
	defer cancel()
	stats, err := a.threats.ScanHistorical(ctx, since)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (a *apiServer) handleLastScan(c echo.Context) error {
	record, err := a.threats.LastScan(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (a *apiServer) handleAlerts(c echo.Context) error {
	var resolved *bool
	if raw := c.QueryParam("resolved"); raw != "" {
		b := raw == "true"
		resolved = &b
	}
	alerts, err := a.db.ThreatAlerts(c.Request().Context(),
		intQuery(c, "limit", 100), sinceQuery(c), resolved)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alerts)
}

func (a *apiServer) handleAlertResolve(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad alert id")
	}
	if err = a.db.ResolveThreatAlert(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *apiServer) handleWhitelistList(c echo.Context) error {
	entries, err := a.db.WhitelistEntries(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

type whitelistRequest struct {
	IndicatorType string `json:"indicator_type"`
	Domain        string `json:"domain"`
	IP            string `json:"ip"`
	Reason        string `json:"reason"`
}

func (r *whitelistRequest) toEntry() (*loggerdb.WhitelistEntry, error) {
	entry := &loggerdb.WhitelistEntry{IndicatorType: r.IndicatorType}
	switch r.IndicatorType {
	case loggerdb.IndicatorDomain:
		domain := netinfo.NormalizeDomain(r.Domain)
		if domain == "" {
			return nil, errors.New("domain is required")
		}
		entry.Domain = null.StringFrom(domain)
	case loggerdb.IndicatorIP:
		ip := net.ParseIP(r.IP)
		if ip == nil {
			return nil, errors.Errorf("bad ip %q", r.IP)
		}
		entry.IP = null.StringFrom(ip.String())
	default:
		return nil, errors.Errorf("bad indicator type %q",
			r.IndicatorType)
	}
	if r.Reason != "" {
		entry.Reason = null.StringFrom(r.Reason)
	}
	return entry, nil
}

func (a *apiServer) handleWhitelistAdd(c echo.Context) error {
	var req whitelistRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}
	entry, err := req.toEntry()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := a.threats.AddWhitelist(c.Request().Context(), entry)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (a *apiServer) handleWhitelistRemove(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad entry id")
	}
	if err = a.threats.RemoveWhitelist(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

var whitelistCSVHeader = []string{
	"id", "indicator_type", "domain", "ip", "reason", "created_at",
}

func (a *apiServer) handleWhitelistExport(c echo.Context) error {
	entries, err := a.db.WhitelistEntries(c.Request().Context())
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="whitelist.csv"`)
	c.Response().WriteHeader(http.StatusOK)

	w := csv.NewWriter(c.Response())
	if err = w.Write(whitelistCSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.IndicatorType,
			e.Domain.ValueOrZero(),
			e.IP.ValueOrZero(),
			e.Reason.ValueOrZero(),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err = w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

const maxImportErrors = 10

func (a *apiServer) handleWhitelistImport(c echo.Context) error {
	r := csv.NewReader(c.Request().Body)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest,
			"empty or unreadable CSV")
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"indicator_type", "domain", "ip"} {
		if _, ok := col[required]; !ok {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("missing CSV column %q", required))
		}
	}
	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var added, existing int
	var importErrors []string
	line := 1
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		line++

		req := whitelistRequest{
			IndicatorType: field(row, "indicator_type"),
			Domain:        field(row, "domain"),
			IP:            field(row, "ip"),
			Reason:        field(row, "reason"),
		}
		entry, err := req.toEntry()
		if err == nil {
			var res *threatintel.WhitelistResult
			res, err = a.threats.AddWhitelist(c.Request().Context(),
				entry)
			if err == nil {
				if res.Existing {
					existing++
				} else {
					added++
				}
				continue
			}
		}
		if len(importErrors) < maxImportErrors {
			importErrors = append(importErrors,
				fmt.Sprintf("line %d: %v", line, err))
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"added":    added,
		"existing": existing,
		"errors":   importErrors,
	})
}

func apiInit() error {
	listen := environ.APIListen
	if listen == "" {
		listen = defaultAPIListen
	}
	if environ.JWTSecret == "" {
		slog.Warnf("JWT_SECRET_KEY not set; authenticated API disabled")
	}

	srv := newAPIServer(db, threats, []byte(environ.JWTSecret))
	apiEcho = srv.router()
	go func() {
		if err := apiEcho.Start(listen); err != nil &&
			err != http.ErrServerClosed {
			slog.Errorf("API server: %v", err)
		}
	}()
	return nil
}

func apiFini() {
	ctx, cancel := context.WithTimeout(context.Background(),
		5*time.Second)
	defer cancel()
	if err := apiEcho.Shutdown(ctx); err != nil {
		slog.Errorf("API shutdown: %v", err)
	}
}

func init() {
	addMonitor("api", apiInit, apiFini)
}
