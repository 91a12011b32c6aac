package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
)

const envPrefix = "PANLINK_"

// Values holds the daemon configuration.
type Values struct {
	Port        int             `koanf:"port"`
	VersionFile string          `koanf:"version-file"`
	Log         LogValues       `koanf:"log"`
	Bluetooth   BluetoothValues `koanf:"bluetooth"`
}

type LogValues struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type BluetoothValues struct {
	// CallTimeout bounds every call made on the system bus.
	CallTimeout time.Duration `koanf:"call-timeout"`
	// PanRole is the Network1 role passed to Connect: nap, gn or panu.
	PanRole string `koanf:"pan-role"`
}

func Default() Values {
	return Values{
		Port:        5000,
		VersionFile: "/etc/nocturne/version.txt",
		Log: LogValues{
			Level: "info",
		},
		Bluetooth: BluetoothValues{
			CallTimeout: 10 * time.Second,
			PanRole:     "nap",
		},
	}
}

// Load layers an optional hjson file and PANLINK_ environment variables over
// the defaults. Nested keys use a double underscore in the environment, e.g.
// PANLINK_BLUETOOTH__CALL_TIMEOUT=5s. A bare PORT variable is honoured too.
func Load(path string) (Values, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), hjson.Parser()); err != nil {
				return Values{}, fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Values{}, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Values{}, fmt.Errorf("failed to load environment: %w", err)
	}

	values := Default()
	if err := k.UnmarshalWithConf("", &values, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Values{}, err
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Values{}, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		values.Port = p
	}

	return values, values.Validate()
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	s = strings.ReplaceAll(s, "__", ".")
	return strings.ReplaceAll(s, "_", "-")
}

func (v Values) Validate() error {
	if v.Port <= 0 || v.Port > 65535 {
		return fmt.Errorf("port %d out of range", v.Port)
	}
	if _, err := logrus.ParseLevel(v.Log.Level); err != nil {
		return err
	}
	switch v.Bluetooth.PanRole {
	case "nap", "gn", "panu":
	default:
		return fmt.Errorf("unknown PAN role %q", v.Bluetooth.PanRole)
	}
	if v.Bluetooth.CallTimeout < 0 {
		return fmt.Errorf("negative call timeout %s", v.Bluetooth.CallTimeout)
	}
	return nil
}

// NewLogger creates a logger for the configured level and format.
func (v Values) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(v.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if v.Log.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return logger
}
