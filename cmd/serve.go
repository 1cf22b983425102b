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

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alwitt/objtalk/apis"
	"github.com/alwitt/objtalk/broker"
	"github.com/alwitt/objtalk/common"
	"github.com/alwitt/objtalk/storage"
	"github.com/alwitt/objtalk/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the broker with the transports the config enables. Blocks
// until runTimeContext ends; a failure to open storage or bind a listener is
// returned immediately.
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	version string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "serve",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	backend, err := storage.GetBackend(config.Storage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open storage backend")
		return err
	}
	defer func() { _ = backend.Close() }()

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	brokerCore, err := broker.GetBroker(localCtxt, wg, broker.BrokerParams{
		Backend:  backend,
		Recorder: broker.GetLogRecorder(),
		Config:   config.Broker,
		Version:  version,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}

	// -------------------------------------------------------------------
	// Start the TCP transport

	if config.TCP.Enabled {
		if err := transport.RunTCPTransport(localCtxt, wg, config.TCP, brokerCore); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start TCP transport")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.HTTP.Enabled {
		httpHandler, err := apis.GetAPIRestBrokerHandler(
			localCtxt, brokerCore, &config.HTTP, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
			return err
		}

		router := mux.NewRouter()

		// Object read / write
		_ = apis.RegisterPathPrefix(
			router, "/objects/{name:.+}", map[string]http.HandlerFunc{
				"get":    httpHandler.GetObjectHandler(),
				"post":   httpHandler.SetObjectHandler(),
				"patch":  httpHandler.PatchObjectHandler(),
				"delete": httpHandler.DeleteObjectHandler(),
			},
		)

		// Events
		_ = apis.RegisterPathPrefix(
			router, "/events/{object:.+}", map[string]http.HandlerFunc{
				"post": httpHandler.EmitEventHandler(),
			},
		)

		// RPC
		_ = apis.RegisterPathPrefix(
			router, "/invoke/{object:.+}", map[string]http.HandlerFunc{
				"post": httpHandler.InvokeMethodHandler(),
			},
		)

		// Query / subscribe
		_ = apis.RegisterPathPrefix(router, "/query", map[string]http.HandlerFunc{
			"get": httpHandler.QueryObjectsHandler(),
		})

		// Health check
		_ = apis.RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
			"get": httpHandler.AliveHandler(),
		})
		_ = apis.RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
			"get": httpHandler.ReadyHandler(),
		})

		// WebSocket transport at the root
		router.Methods("get").Path("/").HandlerFunc(httpHandler.ServeWebsocketHandler())

		// Add logging
		router.Use(func(next http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(os.Stdout, next)
		})

		serverListen := fmt.Sprintf(
			"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
		)
		listener, err := net.Listen("tcp", serverListen)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to bind HTTP server to %s", serverListen,
			)
			return err
		}

		httpSrv = &http.Server{
			Addr:         serverListen,
			ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
			WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
			IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}

		// Cancel runtime context on shutdown
		httpSrv.RegisterOnShutdown(lclCancel)

		// Start the server
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("HTTP Server Failure")
			}
		}()

		log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := brokerCore.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during broker shutdown")
	}

	return nil
}
