// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/phone"
	"github.com/livekit/softphone/pkg/service"
	"github.com/livekit/softphone/pkg/sipua"
	"github.com/livekit/softphone/pkg/stats"
	"github.com/livekit/softphone/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "softphone",
		Usage:       "LiveKit Softphone",
		Version:     version.Version,
		Description: "SIP softphone with a scripting bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "softphone yaml config file",
				Sources: cli.EnvVars("SOFTPHONE_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "softphone yaml config body",
				Sources: cli.EnvVars("SOFTPHONE_CONFIG_BODY"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "load account credentials from a dotenv file",
			},
		},
		Action: runService,
		Commands: []*cli.Command{
			{
				Name:  "diag",
				Usage: "print calls recorded at shutdown",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "file",
						Usage: "diagnostics file",
						Value: config.DefaultDiagnosticsFile,
					},
				},
				Action: printDiagnostics,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	engine := sipua.New(sipua.Config{
		LocalNet:  conf.LocalNet,
		NAT1To1IP: conf.NAT1To1IP,
		RTPPort:   conf.RTPPort,
		Codecs:    conf.Codecs,
	}, log)
	svc := service.NewService(conf, log, engine, stats.NewMonitor(conf))
	if err = svc.Start(ctx); err != nil {
		svc.Stop(true)
		_ = svc.Run()
		return err
	}

	go func() {
		select {
		case sig := <-stopChan:
			log.Infow("exit requested, hanging up all calls then shutting down", "signal", sig)
			svc.Stop(false)
		case sig := <-killChan:
			log.Infow("exit requested, shutting down", "signal", sig)
			svc.Stop(true)
		}
	}()

	return svc.Run()
}

func printDiagnostics(ctx context.Context, c *cli.Command) error {
	records, err := phone.ReadRecordsFile(c.String("file"))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no calls recorded")
		return nil
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(records)
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	if envFile := c.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	}
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
