package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
)

// envFiles возвращает .env-файлы из флага -env-file; без флага — ./.env.
func envFiles(args []string) ([]string, error) {
	fs := flag.NewFlagSet("checkout-service", flag.ContinueOnError)
	envFile := fs.String("env-file", "", "path to .env file (default ./.env)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *envFile == "" {
		return nil, nil
	}
	return []string{*envFile}, nil
}

func main() {
	files, err := envFiles(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("некорректные аргументы")
	}

	cfg, err := app.LoadConfig(files...)
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}
	app.ConfigureLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr": cfg.GRPCAddr,
		"http_addr": cfg.HTTPAddr,
		"storage":   cfg.StorageDriver,
		"kafka":     cfg.KafkaEnabled(),
	}).Info("запускаем checkout service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("checkout service остановлен")
}
