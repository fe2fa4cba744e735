package actions

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rkxrichard/UzdenBot/internal/admin"
	"github.com/rkxrichard/UzdenBot/internal/apperr"
)

// API exposes the engine and the admin flow over HTTP for the chat
// front-end, which runs as a separate process.
type API struct {
	Engine  *Engine
	Admin   *admin.Flow
	IsAdmin func(telegramID int64) bool
}

func NewAPI(engine *Engine, adminFlow *admin.Flow, isAdmin func(int64) bool) *API {
	return &API{Engine: engine, Admin: adminFlow, IsAdmin: isAdmin}
}

func (a *API) Register(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.POST("/payments", a.buy)
	v1.POST("/payments/reconcile", a.reconcile)
	v1.GET("/subscription", a.status)
	v1.GET("/keys", a.listKeys)
	v1.POST("/keys", a.issueKey)
	v1.GET("/keys/:id", a.getKey)
	v1.POST("/keys/:id/replace", a.replaceKey)
	v1.DELETE("/keys/:id", a.revokeKey)

	adm := v1.Group("/admin", a.requireAdmin)
	adm.POST("/actions", a.beginAdminAction)
	adm.POST("/resolve", a.resolveAdminAction)
}

type actorRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	Username   string `json:"username"`
}

type buyRequest struct {
	actorRequest
	PlanDays int `json:"plan_days" binding:"required"`
}

func (a *API) buy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pay, err := a.Engine.Buy(c.Request.Context(), req.TelegramID, req.Username, req.PlanDays)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment_id":       pay.ID,
		"confirmation_url": pay.ConfirmationURL,
		"status":           pay.Status,
	})
}

func (a *API) reconcile(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.Engine.ReconcilePayments(c.Request.Context(), req.TelegramID, req.Username); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) status(c *gin.Context) {
	telegramID, ok := a.actorFromQuery(c)
	if !ok {
		return
	}
	sub, daysLeft, err := a.Engine.Status(c.Request.Context(), telegramID, c.Query("username"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if sub == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":    daysLeft > 0,
		"end_date":  sub.EndDate,
		"days_left": daysLeft,
	})
}

func (a *API) listKeys(c *gin.Context) {
	telegramID, ok := a.actorFromQuery(c)
	if !ok {
		return
	}
	list, err := a.Engine.ListKeys(c.Request.Context(), telegramID, c.Query("username"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": list})
}

func (a *API) issueKey(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := a.Engine.IssueKey(c.Request.Context(), req.TelegramID, req.Username)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (a *API) getKey(c *gin.Context) {
	telegramID, ok := a.actorFromQuery(c)
	if !ok {
		return
	}
	keyID, ok := a.keyID(c)
	if !ok {
		return
	}
	key, err := a.Engine.GetKey(c.Request.Context(), telegramID, c.Query("username"), keyID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

func (a *API) replaceKey(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keyID, ok := a.keyID(c)
	if !ok {
		return
	}
	key, err := a.Engine.ReplaceKey(c.Request.Context(), req.TelegramID, req.Username, keyID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

func (a *API) revokeKey(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	keyID, ok := a.keyID(c)
	if !ok {
		return
	}
	if err := a.Engine.RevokeKey(c.Request.Context(), req.TelegramID, req.Username, keyID); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

type adminActionRequest struct {
	Action admin.Action `json:"action" binding:"required"`
}

func (a *API) beginAdminAction(c *gin.Context) {
	var req adminActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.Admin.Begin(c.Request.Context(), a.operatorID(c), req.Action); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "awaiting target"})
}

type adminResolveRequest struct {
	Message string `json:"message" binding:"required"`
}

func (a *API) resolveAdminAction(c *gin.Context) {
	var req adminResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := a.Admin.Resolve(c.Request.Context(), a.operatorID(c), req.Message)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// requireAdmin authenticates the operator by telegram id; the chat
// front-end forwards it after its own signature check.
func (a *API) requireAdmin(c *gin.Context) {
	id, err := strconv.ParseInt(c.GetHeader("X-Operator-Id"), 10, 64)
	if err != nil || !a.IsAdmin(id) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set("operatorID", id)
}

func (a *API) operatorID(c *gin.Context) int64 {
	return c.GetInt64("operatorID")
}

func (a *API) actorFromQuery(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Query("telegram_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "telegram_id is required"})
		return 0, false
	}
	return id, true
}

func (a *API) keyID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad key id"})
		return 0, false
	}
	return uint(id), true
}

func (a *API) fail(c *gin.Context, err error) {
	switch {
	case apperr.IsValidation(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case apperr.IsGateway(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
