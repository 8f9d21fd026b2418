// Package httpapi assembles the gateway's gin engine and its administrative
// surface: one handler method per concern, with auth applied as a
// route-group middleware. Credential-upload, web-admin asset serving, and
// live log tailing are out of scope for this administrative surface.
package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"llmgate/internal/apierr"
	"llmgate/internal/auth"
	"llmgate/internal/config"
	"llmgate/internal/keypool"
	"llmgate/internal/requestlog"
	"llmgate/internal/store/sqlite"
)

// ManagementHandler serves the administrative HTTP surface: admin session
// issuance, principal CRUD, key pool CRUD/reset, and the request log /
// stats read endpoints.
type ManagementHandler struct {
	CfgManager *config.Manager
	Session    *auth.SessionIssuer
	Resolver   *auth.Resolver
	Pool       *keypool.Pool
	Store      *sqlite.Store
	Reports    *requestlog.Aggregator
}

// RegisterManagementRoutes mounts the administrative endpoints under root,
// guarding everything but /api/auth/login behind AdminAuth.
func RegisterManagementRoutes(root *gin.RouterGroup, adminAuth gin.HandlerFunc, h *ManagementHandler) {
	root.POST("/api/auth/login", h.Login)

	admin := root.Group("/api")
	admin.Use(adminAuth)
	{
		admin.GET("/auth_keys", h.ListPrincipals)
		admin.POST("/auth_keys", h.CreatePrincipal)
		admin.PUT("/auth_keys", h.UpdatePrincipal)
		admin.DELETE("/auth_keys", h.DeletePrincipal)

		admin.GET("/keys/status", h.KeysStatus)
		admin.POST("/keys", h.AddKeys)
		admin.DELETE("/keys/:identifier", h.DeleteKey)
		admin.POST("/keys/:identifier/reset", h.ResetKey)
		admin.POST("/keys/reset", h.ResetAllKeys)

		admin.GET("/request_logs", h.RequestLogs)

		admin.GET("/stats/principals", h.StatsPrincipals)
		admin.GET("/stats/trend", h.StatsTrend)
		admin.GET("/stats/heatmap", h.StatsHeatmap)
		admin.GET("/stats/success_rate", h.StatsSuccessRate)
	}
}

// Login exchanges the configured administrative password for a signed
// session token, set both in the JSON body and as the mgmt_session cookie
// middleware.AdminAuth already recognizes.
func (h *ManagementHandler) Login(c *gin.Context) {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apierr.New(apierr.KindPrincipalRejected, "invalid request body"))
		return
	}
	if !config.CheckManagementKey(h.CfgManager.Current(), body.Password) {
		respondError(c, apierr.New(apierr.KindPrincipalRejected, "invalid administrative credential"))
		return
	}
	token, err := h.Session.IssueAdminToken()
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to issue session token"))
		return
	}
	c.SetCookie("mgmt_session", token, int((24 * time.Hour).Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token})
}

type principalView struct {
	ID            string `json:"id"`
	Alias         string `json:"alias"`
	Active        bool   `json:"active"`
	CreatedAt     string `json:"created_at"`
	CallCount     int64  `json:"call_count"`
	SuccessCount  int64  `json:"success_count"`
}

// ListPrincipals returns every AuthPrincipal with its call count derived
// from the request log rather than stored on the principal itself.
func (h *ManagementHandler) ListPrincipals(c *gin.Context) {
	principals, err := h.Store.ListPrincipals(c.Request.Context())
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to list principals"))
		return
	}
	usage, err := h.Store.UsageByPrincipal(c.Request.Context(), time.Time{})
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to aggregate principal usage"))
		return
	}
	counts := make(map[string]sqlite.PrincipalUsage, len(usage))
	for _, u := range usage {
		counts[u.PrincipalID] = u
	}

	out := make([]principalView, 0, len(principals))
	for _, p := range principals {
		u := counts[p.ID]
		out = append(out, principalView{
			ID:           p.ID,
			Alias:        p.Label,
			Active:       !p.Disabled,
			CreatedAt:    p.CreatedAt.Format(time.RFC3339),
			CallCount:    u.TotalRequests,
			SuccessCount: u.SuccessRequests,
		})
	}
	c.JSON(http.StatusOK, gin.H{"principals": out})
}

// CreatePrincipal registers a new AuthPrincipal and returns its plaintext
// API key exactly once.
func (h *ManagementHandler) CreatePrincipal(c *gin.Context) {
	var body struct {
		Alias string `json:"alias"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "invalid request body"))
		return
	}
	id, apiKey, err := h.Resolver.CreatePrincipal(c.Request.Context(), body.Alias)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to create principal"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "api_key": apiKey, "alias": body.Alias})
}

// UpdatePrincipal toggles whether a principal's key is accepted.
func (h *ManagementHandler) UpdatePrincipal(c *gin.Context) {
	var body struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		respondError(c, apierr.New(apierr.KindInternal, "invalid request body"))
		return
	}
	if err := h.Store.SetPrincipalDisabled(c.Request.Context(), body.ID, !body.Active); err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to update principal"))
		return
	}
	c.Status(http.StatusNoContent)
}

// DeletePrincipal removes an AuthPrincipal identified by the ?id= query parameter.
func (h *ManagementHandler) DeletePrincipal(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		respondError(c, apierr.New(apierr.KindInternal, "id is required"))
		return
	}
	if err := h.Store.DeletePrincipal(c.Request.Context(), id); err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to delete principal"))
		return
	}
	c.Status(http.StatusNoContent)
}

type keyStatusView struct {
	Identifier             string  `json:"identifier"`
	Brief                  string  `json:"brief"`
	State                  string  `json:"state"`
	CooldownSecondsRemaining float64 `json:"cooldown_seconds_remaining"`
	FailureCount           int     `json:"failure_count"`
	CooldownEntryCount     int     `json:"cooldown_entry_count"`
	CurrentCooldownSeconds float64 `json:"current_cooldown_seconds"`
}

// KeysStatus reports every key's pool state plus aggregate totals.
func (h *ManagementHandler) KeysStatus(c *gin.Context) {
	snapshot := h.Pool.Snapshot()
	now := time.Now()
	views := make([]keyStatusView, 0, len(snapshot))
	var active, cooling, leased int

	for _, k := range snapshot {
		v := keyStatusView{
			Identifier:   k.ID,
			Brief:        briefFor(k.Secret),
			FailureCount: k.FailureCount,
		}
		switch k.State {
		case keypool.StateActive:
			v.State = "active"
			active++
		case keypool.StateLeased:
			v.State = "in_use"
			leased++
		case keypool.StateCooling:
			v.State = "cooling_down"
			cooling++
			if remaining := k.CooldownUntil.Sub(now); remaining > 0 {
				v.CooldownSecondsRemaining = remaining.Seconds()
			}
			v.CooldownEntryCount = k.CooldownEntryCount
			v.CurrentCooldownSeconds = h.Pool.CooldownDuration(k.CooldownEntryCount).Seconds()
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"keys": views,
		"totals": gin.H{
			"total":   len(snapshot),
			"active":  active,
			"cooling": cooling,
			"in_use":  leased,
		},
	})
}

// AddKeys registers one or more new upstream keys. Each key's identifier is
// derived as a short hash prefix of its secret.
func (h *ManagementHandler) AddKeys(c *gin.Context) {
	var body struct {
		Secrets []string `json:"secrets"`
		Label   string   `json:"label"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Secrets) == 0 {
		respondError(c, apierr.New(apierr.KindInternal, "secrets must be a non-empty array"))
		return
	}
	added := make([]string, 0, len(body.Secrets))
	for _, secret := range body.Secrets {
		if secret == "" {
			continue
		}
		id := deriveKeyID(secret)
		if err := h.Pool.Add(c.Request.Context(), id, secret, body.Label); err != nil {
			respondError(c, apierr.New(apierr.KindInternal, "failed to add key "+id))
			return
		}
		added = append(added, id)
	}
	c.JSON(http.StatusCreated, gin.H{"added": added})
}

// DeleteKey removes an upstream key by identifier.
func (h *ManagementHandler) DeleteKey(c *gin.Context) {
	id := c.Param("identifier")
	if err := h.Pool.Remove(c.Request.Context(), id); err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to delete key"))
		return
	}
	c.Status(http.StatusNoContent)
}

// ResetKey clears a single key's failure/cooldown state.
func (h *ManagementHandler) ResetKey(c *gin.Context) {
	id := c.Param("identifier")
	if err := h.Pool.ResetOne(c.Request.Context(), id); err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to reset key"))
		return
	}
	c.Status(http.StatusNoContent)
}

// ResetAllKeys clears failure/cooldown state on every key.
func (h *ManagementHandler) ResetAllKeys(c *gin.Context) {
	n, err := h.Pool.ResetAll(c.Request.Context())
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to reset keys"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// RequestLogs serves a paginated, filtered query over the request ledger.
func (h *ManagementHandler) RequestLogs(c *gin.Context) {
	filter := sqlite.RequestLogFilter{
		PrincipalID: c.Query("principal_id"),
		KeyID:       c.Query("key_identifier"),
		Model:       c.Query("model_name"),
		Limit:       queryInt(c, "limit", 100),
		Offset:      queryInt(c, "offset", 0),
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if v := c.Query("is_success"); v != "" {
		b := v == "true" || v == "1"
		filter.Success = &b
	}

	page, err := h.Store.QueryRequestLogs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to query request logs"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  page.Rows,
		"total": page.Total,
		"bounds": gin.H{
			"min_time": page.MinTime,
			"max_time": page.MaxTime,
		},
	})
}

// StatsPrincipals reports per-principal call counts.
func (h *ManagementHandler) StatsPrincipals(c *gin.Context) {
	since := windowStart(c)
	report, err := h.Reports.ByPrincipal(c.Request.Context(), since)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to aggregate principal stats"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"principals": report})
}

// StatsTrend reports per-period, per-model usage counts over a
// (unit, offset, num_periods) window: ?unit=day|week|month (default day),
// ?offset=<int> (default 0), ?num_periods=<int> (default 7),
// ?type=requests|tokens (default requests), ?tz=<IANA zone> (default UTC).
func (h *ManagementHandler) StatsTrend(c *gin.Context) {
	unit := c.DefaultQuery("unit", "day")
	kind := c.DefaultQuery("type", "requests")
	offset := queryInt(c, "offset", 0)
	numPeriods := queryInt(c, "num_periods", 7)
	loc := queryLocation(c)

	trend, err := h.Reports.UsageTrend(c.Request.Context(), unit, offset, numPeriods, kind, loc)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to compute usage trend"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": trend.Labels, "series": trend.Series})
}

// StatsHeatmap reports per-day request or token totals over the past
// ?days=<int> (default 30) days, bucketed by calendar day in ?tz=<IANA zone>.
func (h *ManagementHandler) StatsHeatmap(c *gin.Context) {
	days := queryInt(c, "days", 30)
	kind := c.DefaultQuery("type", "requests")
	loc := queryLocation(c)

	points, err := h.Reports.DailyUsageHeatmap(c.Request.Context(), days, kind, loc)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to compute usage heatmap"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"heatmap": points})
}

// StatsSuccessRate reports success percentages over the past ?days=<int>
// (default 7) days, per calendar day and model, or per hour-of-day when
// ?hourly=true, bucketed in ?tz=<IANA zone>.
func (h *ManagementHandler) StatsSuccessRate(c *gin.Context) {
	days := queryInt(c, "days", 7)
	hourly := c.Query("hourly") == "true" || c.Query("hourly") == "1"
	loc := queryLocation(c)

	points, err := h.Reports.SuccessRate(c.Request.Context(), days, hourly, loc)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to compute success rate"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success_rate": points})
}

func windowStart(c *gin.Context) time.Time {
	days := queryInt(c, "days", 7)
	return time.Now().AddDate(0, 0, -days)
}

// queryLocation resolves the ?tz= IANA zone name, defaulting to UTC when
// absent or unrecognized.
func queryLocation(c *gin.Context) *time.Location {
	tz := c.Query("tz")
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func deriveKeyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

func briefFor(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
