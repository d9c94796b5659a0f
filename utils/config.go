package utils

import (
	"os"
)

type AppConfig struct {
	DbConnectionOptions string
	LogLevel            string
	SentryDsn           string
}

func GetConfig() *AppConfig {
	var appConfig = AppConfig{
		DbConnectionOptions: "host=localhost port=5432 dbname=pgflow sslmode=disable",
		LogLevel:            "info",
	}

	if dbConnectionOptions := os.Getenv("DB_CONNECTION_OPTIONS"); len(dbConnectionOptions) > 0 {
		appConfig.DbConnectionOptions = dbConnectionOptions
	}

	if logLevel := os.Getenv("LOG_LEVEL"); len(logLevel) > 0 {
		appConfig.LogLevel = logLevel
	}

	if sentryDsn := os.Getenv("SENTRY_DSN"); len(sentryDsn) > 0 {
		appConfig.SentryDsn = sentryDsn
	}

	return &appConfig
}
