package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	initdata "github.com/telegram-mini-apps/init-data-golang"
)

// TelegramInitData проверяет подпись init_data мини-аппа и кладёт
// пользователя Telegram в контекст запроса.
func TelegramInitData(botToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		initDataQuery := c.GetHeader("init_data")
		if initDataQuery == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Telegram Init Data required"})
			return
		}

		// Disable expiration check
		expIn := time.Duration(0)

		if err := initdata.Validate(initDataQuery, botToken, expIn); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid init data"})
			return
		}

		parsedData, err := initdata.Parse(initDataQuery)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to parse init data"})
			return
		}

		c.Set("user", parsedData.User)
		c.Next()
	}
}
