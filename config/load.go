package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// File is the on-disk and environment shape of the provider settings.
// Environment variables use the EVENTBUS_ prefix, e.g. EVENTBUS_MESSAGE_BUFFER.
type File struct {
	Enabled            bool          `mapstructure:"enabled"`
	Debug              bool          `mapstructure:"debug"`
	Prefix             string        `mapstructure:"prefix"`
	LoginRequired      bool          `mapstructure:"login_required"`
	LoginAddress       string        `mapstructure:"login_address"`
	StateCheckInterval time.Duration `mapstructure:"state_check_interval"`
	MessageBuffer      int           `mapstructure:"message_buffer"`
	URL                string        `mapstructure:"url"`
}

// Load reads settings from path (optional) and the environment and returns a provider holding them.
// A login_address installs the FindOneUser interceptor for that address.
func Load(path string) (*Provider, File, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("EVENTBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, File{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, File{}, fmt.Errorf("config: parse: %w", err)
	}

	p := NewProvider().
		Enable(f.Enabled).
		UseDebug(f.Debug).
		UsePrefix(f.Prefix).
		RequireLogin(f.LoginRequired).
		UseSockJSStateInterval(f.StateCheckInterval).
		UseMessageBuffer(f.MessageBuffer)

	if f.LoginAddress != "" {
		p.ConfigureLoginInterceptor(f.LoginAddress, FindOneUser)
	}

	return p, f, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("prefix", d.Prefix)
	v.SetDefault("login_required", d.LoginRequired)
	v.SetDefault("login_address", "")
	v.SetDefault("state_check_interval", d.StateCheckInterval)
	v.SetDefault("message_buffer", d.BufferCapacity)
	v.SetDefault("url", "ws://localhost:8080/eventbus/websocket")
}
