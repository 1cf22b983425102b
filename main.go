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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/alwitt/objtalk/client"
	"github.com/alwitt/objtalk/cmd"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const versionString = "v0.1.0"

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	ServerURL  string `validate:"required,url"`
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

// @title objtalk
// @version v0.1.0
// @description lightweight realtime object store and message broker

// @host localhost:3000
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	serverURLFlag := &cli.StringFlag{
		Name:        "url",
		Usage:       "Broker HTTP base URL",
		Aliases:     []string{"u"},
		EnvVars:     []string{"OBJTALK_URL"},
		Value:       "http://127.0.0.1:3000",
		DefaultText: "http://127.0.0.1:3000",
		Destination: &cmdArgs.ServerURL,
		Required:    false,
	}

	app := &cli.App{
		Version:     versionString,
		Usage:       "application entrypoint",
		Description: "lightweight realtime object store and message broker",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the objtalk broker",
				Description: "Serves the broker over the transports enabled in config",
				Action:      startServer,
			},
			{
				Name:      "get",
				Usage:     "Fetch objects matching a pattern",
				ArgsUsage: "<pattern>",
				Flags:     []cli.Flag{serverURLFlag},
				Action:    runGet,
			},
			{
				Name:      "set",
				Usage:     "Store a JSON value under a name",
				ArgsUsage: "<name> <value>",
				Flags:     []cli.Flag{serverURLFlag},
				Action:    runSet,
			},
			{
				Name:      "patch",
				Usage:     "Shallow merge a JSON value into a name",
				ArgsUsage: "<name> <value>",
				Flags:     []cli.Flag{serverURLFlag},
				Action:    runPatch,
			},
			{
				Name:      "remove",
				Usage:     "Remove an object",
				ArgsUsage: "<name>",
				Flags:     []cli.Flag{serverURLFlag},
				Action:    runRemove,
			},
			{
				Name:      "emit",
				Usage:     "Emit an event on an object",
				ArgsUsage: "<object> <event> <data>",
				Flags:     []cli.Flag{serverURLFlag},
				Action:    runEmit,
			},
			{
				Name:      "invoke",
				Usage:     "Invoke a method on an object",
				ArgsUsage: "<object> <method> <args>",
				Flags:     []cli.Flag{serverURLFlag},
				Action:    runInvoke,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.StructExcept(&cmdArgs, "ServerURL"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(
	ctxt context.Context, wg *sync.WaitGroup, ctxtCancel context.CancelFunc,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// ============================================================================
// Serve subcommand

// startServer run the broker
func startServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()

	signalRecvSetup(runTimeContext, wg, rtCancel)

	return cmd.RunServer(runTimeContext, config, cmdArgs.Hostname, versionString, wg)
}

// ============================================================================
// Client subcommands

func defineClient() (client.Client, error) {
	setupLogging()
	return client.GetClient(cmdArgs.ServerURL)
}

func requireArgs(c *cli.Context, names ...string) ([]string, error) {
	if c.Args().Len() != len(names) {
		return nil, fmt.Errorf("expected arguments: %v", names)
	}
	return c.Args().Slice(), nil
}

func parseJSONArg(raw string) (json.RawMessage, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("'%s' is not valid JSON", raw)
	}
	return json.RawMessage(raw), nil
}

func runGet(c *cli.Context) error {
	args, err := requireArgs(c, "pattern")
	if err != nil {
		return err
	}
	remote, err := defineClient()
	if err != nil {
		return err
	}
	objects, err := remote.Get(c.Context, args[0])
	if err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(objects, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func runSet(c *cli.Context) error {
	args, err := requireArgs(c, "name", "value")
	if err != nil {
		return err
	}
	value, err := parseJSONArg(args[1])
	if err != nil {
		return err
	}
	remote, err := defineClient()
	if err != nil {
		return err
	}
	return remote.Set(c.Context, args[0], value)
}

func runPatch(c *cli.Context) error {
	args, err := requireArgs(c, "name", "value")
	if err != nil {
		return err
	}
	value, err := parseJSONArg(args[1])
	if err != nil {
		return err
	}
	remote, err := defineClient()
	if err != nil {
		return err
	}
	return remote.Patch(c.Context, args[0], value)
}

func runRemove(c *cli.Context) error {
	args, err := requireArgs(c, "name")
	if err != nil {
		return err
	}
	remote, err := defineClient()
	if err != nil {
		return err
	}
	existed, err := remote.Remove(c.Context, args[0])
	if err != nil {
		return err
	}
	if !existed {
		fmt.Fprintf(os.Stderr, "%s doesn't exist\n", args[0])
	}
	return nil
}

func runEmit(c *cli.Context) error {
	args, err := requireArgs(c, "object", "event", "data")
	if err != nil {
		return err
	}
	data, err := parseJSONArg(args[2])
	if err != nil {
		return err
	}
	remote, err := defineClient()
	if err != nil {
		return err
	}
	return remote.Emit(c.Context, args[0], args[1], data)
}

func runInvoke(c *cli.Context) error {
	args, err := requireArgs(c, "object", "method", "args")
	if err != nil {
		return err
	}
	invokeArgs, err := parseJSONArg(args[2])
	if err != nil {
		return err
	}
	remote, err := defineClient()
	if err != nil {
		return err
	}
	result, err := remote.Invoke(c.Context, args[0], args[1], invokeArgs)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}
