// Package config loads server configuration from file and environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host        string `mapstructure:"HOST"`
	Port        int    `mapstructure:"PORT"`
	MetricsPort int    `mapstructure:"METRICS_PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DataDir     string `mapstructure:"DATA_DIR"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	CommissionRate  float64 `mapstructure:"COMMISSION_RATE"`
	RiskFreeRate    float64 `mapstructure:"RISK_FREE_RATE"`
	BenchmarkSymbol string  `mapstructure:"BENCHMARK_SYMBOL"`

	MonteCarloPaths   int `mapstructure:"MONTE_CARLO_PATHS"`
	MonteCarloHorizon int `mapstructure:"MONTE_CARLO_HORIZON"`

	ResultCacheSize int `mapstructure:"RESULT_CACHE_SIZE"`
}

func Load() (config Config, err error) {
	viper.AddConfigPath(".")
	viper.SetConfigName("app")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("HOST", "0.0.0.0")
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("METRICS_PORT", 9090)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DATA_DIR", "./data")
	viper.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	viper.SetDefault("COMMISSION_RATE", 0.0)
	viper.SetDefault("RISK_FREE_RATE", 0.02)
	viper.SetDefault("BENCHMARK_SYMBOL", "SPY")
	viper.SetDefault("MONTE_CARLO_PATHS", 1000)
	viper.SetDefault("MONTE_CARLO_HORIZON", 252)
	viper.SetDefault("RESULT_CACHE_SIZE", 256)

	err = viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		err = nil
	}
	if err != nil {
		return Config{}, err
	}

	err = viper.Unmarshal(&config)
	return
}
