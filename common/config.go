// Copyright 2022 The objtalk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Storage Related Config

// SqliteConfig defines parameters for the SQLite storage backend
type SqliteConfig struct {
	// Filename is the path of the SQLite database file
	Filename string `mapstructure:"filename" json:"filename" validate:"required"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	// Backend selects the storage backend
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory sqlite"`
	// Sqlite are the SQLite backend parameters. Only read when Backend is "sqlite".
	Sqlite SqliteConfig `mapstructure:"sqlite" json:"sqlite" validate:"required_if=Backend sqlite"`
}

// ===============================================================================
// Broker Related Config

// BrokerConfig defines broker kernel parameters
type BrokerConfig struct {
	// OutboundQueueLen is the per client notification queue depth. A client
	// whose queue overflows is disconnected.
	OutboundQueueLen int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"required,gte=1"`
	// MailboxLen is the broker worker mailbox depth
	MailboxLen int `mapstructure:"mailbox_len" json:"mailbox_len" validate:"required,gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Streaming end-points (SSE and
	// WebSocket) require this to be zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Enabled whether the HTTP transport is started
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// AllowOrigin when set is echoed as Access-Control-Allow-Origin on
	// streaming responses
	AllowOrigin string `mapstructure:"allow_origin" json:"allow_origin"`
}

// ===============================================================================
// TCP Related Config

// TCPConfig defines the line delimited JSON TCP transport parameters
type TCPConfig struct {
	// Enabled whether the TCP transport is started
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ListenOn is the interface the TCP listener will bind to
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the TCP listener will bind to
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the broker kernel parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Storage are the persistence parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// HTTP are the HTTP transport parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// TCP are the TCP transport parameters
	TCP TCPConfig `mapstructure:"tcp" json:"tcp" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.outbound_queue_len", 256)
	viper.SetDefault("broker.mailbox_len", 64)

	// Default storage settings
	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.sqlite.filename", "objtalk.db")

	// Default HTTP transport settings
	viper.SetDefault("http.enabled", true)
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Objtalk-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default TCP transport settings
	viper.SetDefault("tcp.enabled", true)
	viper.SetDefault("tcp.listen_on", "0.0.0.0")
	viper.SetDefault("tcp.listen_port", 3001)
}
