package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	initdata "github.com/telegram-mini-apps/init-data-golang"
)

// RequireAuth пропускает только запросы с проверенным пользователем Telegram
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, exists := c.Get("user")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Telegram Init Data required"})
			return
		}

		c.Next()
	}
}

// RequireAdmin пропускает только администраторов из списка конфигурации
func RequireAdmin(adminIDs []string) gin.HandlerFunc {
	ids := make(map[int64]struct{}, len(adminIDs))
	for _, idStr := range adminIDs {
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			ids[id] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		user, exists := c.Get("user")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Telegram Init Data required"})
			return
		}

		telegramUser, ok := user.(initdata.User)
		if !ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid user data format"})
			return
		}

		if _, isAdmin := ids[telegramUser.ID]; !isAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}

		c.Next()
	}
}

// TelegramUser достаёт проверенного пользователя Telegram из контекста
func TelegramUser(c *gin.Context) (initdata.User, bool) {
	user, exists := c.Get("user")
	if !exists {
		return initdata.User{}, false
	}
	telegramUser, ok := user.(initdata.User)
	return telegramUser, ok
}
