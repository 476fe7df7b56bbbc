package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Server struct {
		Port   int    `env:"PORT" envDefault:"8080"`
		Origin string `env:"ORIGIN" envDefault:"http://localhost:3000"`
	}

	Redis struct {
		Host     string `env:"REDIS_HOST" envDefault:"localhost"`
		Port     int    `env:"REDIS_PORT" envDefault:"6379"`
		Password string `env:"REDIS_PASSWORD" envDefault:""`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Telegram struct {
		BotToken string   `env:"BOT_TOKEN,required"`
		AdminIDs []string `env:"ADMIN_IDS" envSeparator:","`
	}

	Sync struct {
		// Таймаут авторитетной записи: после него откатываем оптимистичное значение
		WriteTimeout time.Duration `env:"SYNC_WRITE_TIMEOUT" envDefault:"12s"`

		// Порог устаревания локального зеркала
		MirrorStaleAfter time.Duration `env:"SYNC_MIRROR_STALE_AFTER" envDefault:"10m"`

		// Параметры переподключения подписки
		ReconnectBase time.Duration `env:"SYNC_RECONNECT_BASE" envDefault:"1s"`
		ReconnectCap  time.Duration `env:"SYNC_RECONNECT_CAP" envDefault:"30s"`

		// Окно дебаунса сигнала видимости (одиночный blur не считается уходом в фон)
		FocusDebounce time.Duration `env:"SYNC_FOCUS_DEBOUNCE" envDefault:"3s"`
	}

	Mirror struct {
		Path string `env:"MIRROR_DB_PATH" envDefault:"coinfarm-mirror.db"`
	}

	Economy struct {
		FarmingWindow    time.Duration `env:"FARMING_WINDOW" envDefault:"8h"`
		FarmingBaseCoins int64         `env:"FARMING_BASE_COINS" envDefault:"480"`
		ReferralBonus    int64         `env:"REFERRAL_BONUS" envDefault:"1000"`
		VIPDuration      time.Duration `env:"VIP_DURATION" envDefault:"720h"`
	}
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		// Игнорируем ошибку, если .env файл не найден
		// В production окружении переменные могут быть установлены напрямую
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		panic(err)
	}

	return cfg
}
