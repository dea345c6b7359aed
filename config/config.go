package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Database struct {
		// Driver: "sqlite" | "mysql" | "postgres" | "" (без БД, in-memory)
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Feeder struct {
		// TickSeconds — период цикла контроллера. Сверка расписания идёт по
		// точной минуте, поэтому значения > 60 приведут к пропускам.
		TickSeconds      int    `mapstructure:"tick_seconds"`
		PoolSize         int    `mapstructure:"pool_size"`
		WatchdogMarginMs int    `mapstructure:"watchdog_margin_ms"`
		MQTTBroker       string `mapstructure:"mqtt_broker"`
	} `mapstructure:"feeder"`
}

// Load читает конфиг из файла (если задан) и окружения VIVARIUM_*.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("feeder.tick_seconds", 30)
	v.SetDefault("feeder.pool_size", 4)
	v.SetDefault("feeder.watchdog_margin_ms", 2000)
	v.SetDefault("feeder.mqtt_broker", "tcp://127.0.0.1:1883")

	v.SetEnvPrefix("VIVARIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("vivarium")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vivarium")
		if err := v.ReadInConfig(); err != nil {
			// конфиг-файл опционален, дефолты + env достаточно
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
