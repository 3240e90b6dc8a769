package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Config описывает настройки сервиса оформления. Значения читаются из
// переменных окружения CHECKOUT_*, предварительно подгружается .env.
type Config struct {
	GRPCAddr  string `env:"CHECKOUT_GRPC_ADDR" envDefault:":50051" validate:"required"`
	HTTPAddr  string `env:"CHECKOUT_HTTP_ADDR" envDefault:":9090" validate:"required"`
	LogLevel  string `env:"CHECKOUT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHECKOUT_LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`

	StorageDriver       string `env:"CHECKOUT_STORAGE_DRIVER" envDefault:"memory" validate:"oneof=memory postgres"`
	PostgresDSN         string `env:"CHECKOUT_POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"CHECKOUT_POSTGRES_AUTO_MIGRATE" envDefault:"true"`

	// Пустой адрес — блокировки и корзины в памяти процесса.
	RedisAddr     string        `env:"CHECKOUT_REDIS_ADDR"`
	RedisPassword string        `env:"CHECKOUT_REDIS_PASSWORD"`
	RedisDB       int           `env:"CHECKOUT_REDIS_DB" envDefault:"0" validate:"gte=0"`
	CartTTL       time.Duration `env:"CHECKOUT_CART_TTL" envDefault:"168h" validate:"gt=0"`

	// Пустой список брокеров — outbox копится в хранилище без публикации.
	KafkaBrokers  []string `env:"CHECKOUT_KAFKA_BROKERS" envSeparator:","`
	KafkaClientID string   `env:"CHECKOUT_KAFKA_CLIENT_ID" envDefault:"marketplace-checkout"`
	// Пустой топик — маршрутизация по типу агрегата.
	KafkaTopic    string `env:"CHECKOUT_KAFKA_TOPIC"`
	KafkaDLQTopic string `env:"CHECKOUT_KAFKA_DLQ_TOPIC" envDefault:"marketplace.events.dlq"`

	ReservationTTL     time.Duration `env:"CHECKOUT_RESERVATION_TTL" envDefault:"15m" validate:"gt=0"`
	LockTimeout        time.Duration `env:"CHECKOUT_LOCK_TIMEOUT" envDefault:"2s" validate:"gt=0"`
	SweepInterval      time.Duration `env:"CHECKOUT_SWEEP_INTERVAL" envDefault:"30s" validate:"gt=0"`
	SweepBatchSize     int           `env:"CHECKOUT_SWEEP_BATCH_SIZE" envDefault:"100" validate:"gt=0"`
	ReconcileInterval  time.Duration `env:"CHECKOUT_RECONCILE_INTERVAL" envDefault:"1m" validate:"gt=0"`
	ReconcileBatchSize int           `env:"CHECKOUT_RECONCILE_BATCH_SIZE" envDefault:"50" validate:"gt=0"`
	// Сколько заказ в процессе оформления нельзя отменить и сверить.
	SettleGrace time.Duration `env:"CHECKOUT_SETTLE_GRACE" envDefault:"2m" validate:"gt=0"`

	// JSON с товарами, остатками и продавцами; пустой путь — пустой каталог.
	CatalogFile string `env:"CHECKOUT_CATALOG_FILE"`

	TaxRate  decimal.Decimal `env:"CHECKOUT_TAX_RATE" envDefault:"0"`
	Currency string          `env:"CHECKOUT_CURRENCY" envDefault:"USD" validate:"len=3"`

	OutboxPollInterval time.Duration `env:"CHECKOUT_OUTBOX_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`
	OutboxBatchSize    int           `env:"CHECKOUT_OUTBOX_BATCH_SIZE" envDefault:"100" validate:"gt=0"`
	OutboxMaxAttempts  int           `env:"CHECKOUT_OUTBOX_MAX_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	OutboxRetryDelay   time.Duration `env:"CHECKOUT_OUTBOX_RETRY_DELAY" envDefault:"100ms" validate:"gte=0"`

	PaymentBreakerTimeout      time.Duration `env:"CHECKOUT_PAYMENT_BREAKER_TIMEOUT" envDefault:"30s" validate:"gt=0"`
	PaymentBreakerFailureRatio float64       `env:"CHECKOUT_PAYMENT_BREAKER_FAILURE_RATIO" envDefault:"0.5" validate:"gt=0,lte=1"`
}

// DefaultConfig возвращает настройки по умолчанию без чтения окружения.
func DefaultConfig() Config {
	var cfg Config
	// Разбор пустого окружения даёт только envDefault, ошибка здесь невозможна.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfig подгружает .env-файлы (по умолчанию ./.env) и разбирает
// окружение. Отсутствующий файл не считается ошибкой.
func LoadConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет значения и их сочетания.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.StorageDriver == StorageDriverPostgres && strings.TrimSpace(c.PostgresDSN) == "" {
		return errors.New("invalid config: CHECKOUT_POSTGRES_DSN is required for postgres storage")
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("invalid config: tax rate %s must be within [0, 100]", c.TaxRate)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// KafkaEnabled сообщает, заданы ли брокеры.
func (c Config) KafkaEnabled() bool {
	return len(c.brokers()) > 0
}

func (c Config) brokers() []string {
	brokers := make([]string, 0, len(c.KafkaBrokers))
	for _, b := range c.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c Config) kafkaClientID() string {
	if c.KafkaClientID == "" {
		return kafka.DefaultClientID
	}
	return c.KafkaClientID
}

// ConfigureLogging настраивает глобальный logrus по конфигурации.
func ConfigureLogging(cfg Config) {
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
