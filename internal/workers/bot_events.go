package workers

import (
	"context"
	"strconv"
	"time"

	go_redis "github.com/redis/go-redis/v9"

	"coinfarm-backend/internal/common/logger"
	refservice "coinfarm-backend/internal/features/referral/service"
	"coinfarm-backend/internal/features/reward"
	syncmodels "coinfarm-backend/internal/features/sync/models"
	syncservice "coinfarm-backend/internal/features/sync/service"
	"coinfarm-backend/internal/platform/redis"
)

const streamKey = "bot:events"
const consumerGroup = "coinfarm_backend_consumers"
const consumerName = "coinfarm_worker_1"

// BotEventsWorker consumes events the Telegram bot pushes into a Redis
// stream: payments confirmed in chat and users joining via referral links.
type BotEventsWorker struct {
	rdb         *redis.Client
	sync        syncservice.SyncService
	referrals   refservice.ReferralService
	vipDuration time.Duration
}

func NewBotEventsWorker(rdb *redis.Client, sync syncservice.SyncService, referrals refservice.ReferralService, vipDuration time.Duration) *BotEventsWorker {
	return &BotEventsWorker{
		rdb:         rdb,
		sync:        sync,
		referrals:   referrals,
		vipDuration: vipDuration,
	}
}

// Start begins listening to the Redis stream for events.
func (w *BotEventsWorker) Start(ctx context.Context) {
	// Ensure consumer group exists
	err := w.rdb.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		logger.Error().Err(err).Msg("Error creating consumer group")
	}

	logger.Info().Msg("Starting bot events worker...")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Stopping bot events worker...")
			return
		default:
			entries, err := w.rdb.XReadGroup(ctx, &go_redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{streamKey, ">"},
				Count:    1,
				Block:    5 * time.Second,
			}).Result()

			if err != nil {
				if err != go_redis.Nil && ctx.Err() == nil {
					logger.Error().Err(err).Msg("Error reading from stream")
					time.Sleep(1 * time.Second) // backoff on error
				}
				continue
			}

			for _, stream := range entries {
				for _, msg := range stream.Messages {
					w.processMessage(ctx, msg.Values)
					// Acknowledge the message
					w.rdb.XAck(ctx, streamKey, consumerGroup, msg.ID)
				}
			}
		}
	}
}

func (w *BotEventsWorker) processMessage(ctx context.Context, values map[string]interface{}) {
	eventType, ok := values["type"].(string)
	if !ok {
		return
	}

	switch eventType {
	case "successful_payment":
		w.processPayment(ctx, values)
	case "referral_join":
		w.processReferralJoin(ctx, values)
	}
}

func (w *BotEventsWorker) processPayment(ctx context.Context, values map[string]interface{}) {
	invoiceID, _ := values["invoice_id"].(string)
	userID, _ := values["user_id"].(string)
	if invoiceID == "" || userID == "" {
		logger.Warn().Interface("values", values).Msg("Invalid successful_payment event")
		return
	}

	var fn reward.Fn
	if kind, _ := values["kind"].(string); kind == "vip" {
		tier := syncmodels.TierOne
		if t, _ := values["tier"].(string); t == string(syncmodels.TierTwo) {
			tier = syncmodels.TierTwo
		}
		fn = reward.VIPActivation(tier, w.vipDuration)
	} else {
		amountStr, _ := values["amount"].(string)
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil || amount < 0 {
			logger.Warn().Interface("values", values).Msg("Invalid amount in successful_payment event")
			return
		}
		fn = reward.PaymentCredit(amount)
	}

	result, _, err := w.sync.ApplyReward(ctx, userID, "pay:"+invoiceID, fn)
	if err != nil {
		logger.Error().Err(err).Str("invoice_id", invoiceID).Msg("Error applying payment event")
		return
	}
	logger.Info().Str("invoice_id", invoiceID).Str("result", string(result)).Msg("Processed successful_payment event")
}

func (w *BotEventsWorker) processReferralJoin(ctx context.Context, values map[string]interface{}) {
	referredID, _ := values["referred_id"].(string)
	referrerID, _ := values["referrer_id"].(string)
	if referredID == "" || referrerID == "" {
		logger.Warn().Interface("values", values).Msg("Invalid referral_join event")
		return
	}

	if err := w.referrals.Track(ctx, referredID, referrerID); err != nil {
		logger.Error().Err(err).Str("referred_id", referredID).Msg("Error tracking referral from bot event")
	}
}
