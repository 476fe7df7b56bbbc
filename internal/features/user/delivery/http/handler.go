package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/common/middleware"
	refservice "coinfarm-backend/internal/features/referral/service"
	"coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
	"coinfarm-backend/internal/features/user/service"
	wdservice "coinfarm-backend/internal/features/withdrawal/service"
)

type UserHandler struct {
	sync        syncservice.SyncService
	game        service.GameService
	referrals   refservice.ReferralService
	withdrawals wdservice.WithdrawalService
	origin      string
	adminIDs    []string
}

func NewUserHandler(sync syncservice.SyncService, game service.GameService, referrals refservice.ReferralService, withdrawals wdservice.WithdrawalService, origin string, adminIDs []string) *UserHandler {
	return &UserHandler{
		sync:        sync,
		game:        game,
		referrals:   referrals,
		withdrawals: withdrawals,
		origin:      origin,
		adminIDs:    adminIDs,
	}
}

func (h *UserHandler) RegisterRoutes(router *gin.RouterGroup) {
	users := router.Group("/users")
	{
		users.GET("/me", h.getMe)
		users.GET("/me/watch", h.watchMe)
		users.GET("/me/referrals", h.getReferrals)
		users.POST("/me/farming/start", h.startFarming)
		users.POST("/me/farming/claim", h.claimFarming)
		users.POST("/me/tasks/:task_id/claim", h.claimTask)
		users.POST("/me/withdrawals", h.requestWithdrawal)
	}
	router.GET("/status", h.getStatus)

	// Админские маршруты
	admin := router.Group("/admin/users")
	admin.Use(middleware.RequireAdmin(h.adminIDs))
	{
		admin.GET("/:id", h.adminGetUser)
		admin.GET("/:id/mirror", h.adminGetMirror)
		admin.POST("/:id/tier", h.adminSetTier)
	}
}

// @Summary Get current user
// @Description Get or create current user based on Telegram init data
// @Tags users
// @Security TelegramInitData
// @Success 200 {object} models.UserRecord "User record"
// @Router /users/me [get]
func (h *UserHandler) getMe(c *gin.Context) {
	externalID, profile, ok := h.identity(c)
	if !ok {
		return
	}

	record, err := h.sync.EnsureUser(c.Request.Context(), externalID, profile)
	if err != nil {
		middleware.SendError(c, err)
		return
	}

	// Новый пользователь мог прийти по реферальной ссылке
	if ref := c.Query("ref"); ref != "" && ref != externalID {
		if err := h.referrals.Track(c.Request.Context(), externalID, ref); err != nil {
			logger.Warn().Err(err).Str("external_id", externalID).Msg("Failed to track referral")
		}
	}

	c.JSON(http.StatusOK, record)
}

// watchMe streams mirror entries over a websocket. Incoming messages carry
// the client's visibility signal so a foregrounded tab forces an immediate
// reconnect of a degraded subscription.
func (h *UserHandler) watchMe(c *gin.Context) {
	externalID, _, ok := h.identity(c)
	if !ok {
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{h.origin},
	})
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	listener := make(chan *models.MirrorEntry, 8)
	unwatch, err := h.sync.WatchUser(externalID, listener)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	defer unwatch()

	ctx := c.Request.Context()

	// Сигналы видимости от клиента
	go func() {
		for {
			var msg struct {
				Visible *bool `json:"visible"`
			}
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Visible != nil {
				h.sync.SetVisibility(*msg.Visible)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-listener:
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}

func (h *UserHandler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.ConnectionStatus())
}

func (h *UserHandler) getReferrals(c *gin.Context) {
	externalID, _, ok := h.identity(c)
	if !ok {
		return
	}
	ids, err := h.referrals.Referrals(c.Request.Context(), externalID)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": ids})
}

func (h *UserHandler) startFarming(c *gin.Context) {
	externalID, _, ok := h.identity(c)
	if !ok {
		return
	}
	record, err := h.game.StartFarming(c.Request.Context(), externalID)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *UserHandler) claimFarming(c *gin.Context) {
	externalID, _, ok := h.identity(c)
	if !ok {
		return
	}
	record, result, err := h.game.ClaimFarming(c.Request.Context(), externalID)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "user": record})
}

func (h *UserHandler) claimTask(c *gin.Context) {
	externalID, _, ok := h.identity(c)
	if !ok {
		return
	}
	record, result, err := h.game.ClaimTask(c.Request.Context(), externalID, c.Param("task_id"))
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "user": record})
}

type withdrawalRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Coins     int64  `json:"coins" binding:"required,gt=0"`
}

func (h *UserHandler) requestWithdrawal(c *gin.Context) {
	externalID, _, ok := h.identity(c)
	if !ok {
		return
	}

	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid withdrawal request"})
		return
	}

	w, err := h.withdrawals.Request(c.Request.Context(), externalID, req.RequestID, req.Address, req.Coins)
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *UserHandler) adminGetUser(c *gin.Context) {
	record, err := h.sync.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// adminGetMirror отдаёт сырое состояние зеркала для отладки расхождений
func (h *UserHandler) adminGetMirror(c *gin.Context) {
	entry, err := h.sync.MirrorEntry(c.Param("id"))
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type setTierRequest struct {
	Tier string `json:"tier" binding:"required,oneof=free tier1 tier2"`
	Days int    `json:"days" binding:"omitempty,gt=0"`
}

func (h *UserHandler) adminSetTier(c *gin.Context) {
	var req setTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid tier request"})
		return
	}

	record, err := h.sync.UpdateUser(c.Request.Context(), c.Param("id"), func(r *models.UserRecord) (*models.UserRecord, error) {
		tier := models.Tier(req.Tier)
		r.Tier = tier
		if tier == models.TierFree {
			r.TierExpiry = nil
			return r, nil
		}
		days := req.Days
		if days <= 0 {
			days = 30
		}
		expiry := time.Now().UTC().AddDate(0, 0, days)
		r.TierExpiry = &expiry
		return r, nil
	})
	if err != nil {
		middleware.SendError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// identity извлекает внешний идентификатор и профиль из проверенных
// init data запроса
func (h *UserHandler) identity(c *gin.Context) (string, syncservice.Profile, bool) {
	telegramUser, ok := middleware.TelegramUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Telegram Init Data required"})
		return "", syncservice.Profile{}, false
	}
	return strconv.FormatInt(telegramUser.ID, 10), syncservice.Profile{
		Username:  telegramUser.Username,
		FirstName: telegramUser.FirstName,
		LastName:  telegramUser.LastName,
	}, true
}
