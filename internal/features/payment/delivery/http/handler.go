package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/common/middleware"
	"coinfarm-backend/internal/features/reward"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
)

// Схема платёжного вебхука. Провайдер шлёт произвольный JSON,
// поэтому валидируем до разбора.
const payloadSchema = `{
	"type": "object",
	"required": ["invoiceId", "userId", "amount", "status"],
	"properties": {
		"invoiceId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"amount": {"type": "integer", "minimum": 0},
		"status": {"type": "string", "enum": ["paid", "pending", "expired", "cancelled"]},
		"kind": {"type": "string", "enum": ["coins", "vip"]},
		"tier": {"type": "string", "enum": ["tier1", "tier2"]},
		"transactionId": {"type": "string"}
	}
}`

type webhookPayload struct {
	InvoiceID     string `json:"invoiceId"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Kind          string `json:"kind"`
	Tier          string `json:"tier"`
	TransactionID string `json:"transactionId"`
}

type PaymentHandler struct {
	sync        syncservice.SyncService
	vipDuration time.Duration
	schema      *jsonschema.Schema
}

func NewPaymentHandler(sync syncservice.SyncService, vipDuration time.Duration) (*PaymentHandler, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("parse payment schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("payment.json", doc); err != nil {
		return nil, fmt.Errorf("add payment schema: %w", err)
	}
	schema, err := compiler.Compile("payment.json")
	if err != nil {
		return nil, fmt.Errorf("compile payment schema: %w", err)
	}
	return &PaymentHandler{sync: sync, vipDuration: vipDuration, schema: schema}, nil
}

func (h *PaymentHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/webhooks/payment", h.handleWebhook)
}

// handleWebhook зачисляет оплаченный инвойс. Провайдер повторяет
// доставку до подтверждения, ключом идемпотентности служит invoiceId.
func (h *PaymentHandler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid payload: %v", err)})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	// Неоплаченные статусы подтверждаем, чтобы провайдер не ретраил
	if payload.Status != "paid" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
		return
	}

	var fn reward.Fn
	switch payload.Kind {
	case "vip":
		tier := syncmodels.TierOne
		if payload.Tier == string(syncmodels.TierTwo) {
			tier = syncmodels.TierTwo
		}
		fn = reward.VIPActivation(tier, h.vipDuration)
	default:
		fn = reward.PaymentCredit(payload.Amount)
	}

	eventID := "pay:" + payload.InvoiceID
	result, _, err := h.sync.ApplyReward(c.Request.Context(), payload.UserID, eventID, fn)
	if err != nil {
		middleware.SendError(c, err)
		return
	}

	logger.Info().
		Str("invoice_id", payload.InvoiceID).
		Str("user_id", payload.UserID).
		Str("result", string(result)).
		Msg("Payment webhook processed")

	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}
