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

import (
	"bytes"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	assert := assert.New(t)
	viper.Reset()
	InstallDefaultConfigValues()

	var uut SystemConfig
	assert.Nil(viper.Unmarshal(&uut))
	assert.Nil(validator.New().Struct(&uut))

	assert.Equal("memory", uut.Storage.Backend)
	assert.Equal(256, uut.Broker.OutboundQueueLen)
	assert.True(uut.HTTP.Enabled)
	assert.Equal(uint16(3000), uut.HTTP.Server.Port)
	assert.True(uut.TCP.Enabled)
	assert.Equal(uint16(3001), uut.TCP.Port)
	assert.Equal("Objtalk-Request-ID", uut.HTTP.Logging.RequestIDHeader)
}

func TestConfigFileOverride(t *testing.T) {
	assert := assert.New(t)
	viper.Reset()
	InstallDefaultConfigValues()

	config := []byte(`---
storage:
  backend: sqlite
  sqlite:
    filename: /tmp/ut-objtalk.db
http:
  server_config:
    listen_port: 4000
  allow_origin: localhost
tcp:
  enabled: false
`)
	viper.SetConfigType("yaml")
	assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))

	var uut SystemConfig
	assert.Nil(viper.Unmarshal(&uut))
	assert.Nil(validator.New().Struct(&uut))

	assert.Equal("sqlite", uut.Storage.Backend)
	assert.Equal("/tmp/ut-objtalk.db", uut.Storage.Sqlite.Filename)
	assert.Equal(uint16(4000), uut.HTTP.Server.Port)
	assert.Equal("localhost", uut.HTTP.AllowOrigin)
	assert.False(uut.TCP.Enabled)
	// untouched defaults remain
	assert.Equal(256, uut.Broker.OutboundQueueLen)
}

func TestConfigValidation(t *testing.T) {
	assert := assert.New(t)
	viper.Reset()
	InstallDefaultConfigValues()

	config := []byte(`---
storage:
  backend: postgres
`)
	viper.SetConfigType("yaml")
	assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))

	var uut SystemConfig
	assert.Nil(viper.Unmarshal(&uut))
	assert.NotNil(validator.New().Struct(&uut))
}
