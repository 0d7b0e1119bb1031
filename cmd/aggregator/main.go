// Copyright 2025-2026 The OpSentra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opsentra/opsentra/internal/aggregator"
	"github.com/opsentra/opsentra/internal/config"
	"github.com/opsentra/opsentra/internal/logging"
)

type CLI struct {
	Addr   string `validate:"omitempty,hostname_port"`
	Config string `validate:"omitempty,file"`
}

func main() {
	var cli CLI
	var params []string

	// init cobra command
	cmd := cobra.Command{
		Use:   "opsentra-aggregator",
		Short: "OpSentra log aggregation service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// validate cli flags
			return validator.New().Struct(cli)
		},
		Run: func(cmd *cobra.Command, args []string) {
			// listen for termination signals as early as possible
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer close(quit)

			// init viper
			v := viper.New()
			v.BindPFlag("listen-address", cmd.Flags().Lookup("addr"))

			// init config
			cfg, err := config.NewAggregatorConfig(v, cli.Config, params)
			if err != nil {
				zlog.Fatal().Caller().Err(err).Send()
			}

			// configure logger
			logging.ConfigureLogger(logging.LoggerOptions{
				Enabled: cfg.Logging.Enabled,
				Level:   cfg.Logging.Level,
				Format:  cfg.Logging.Format,
			})

			// set gin mode
			if cfg.GinMode != "" {
				gin.SetMode(cfg.GinMode)
			}

			// init aggregator
			a, err := aggregator.NewAggregator(*cfg)
			if err != nil {
				zlog.Fatal().Caller().Err(err).Send()
			}

			ctx, cancel := context.WithCancel(context.Background())

			// run until signaled
			done := make(chan error, 1)
			go func() {
				done <- a.Run(ctx)
			}()

			select {
			case <-quit:
				zlog.Info().Msg("received termination signal, shutting down")
				cancel()
				if err := <-done; err != nil {
					zlog.Fatal().Err(err).Send()
				}
			case err := <-done:
				cancel()
				if err != nil {
					zlog.Fatal().Err(err).Send()
				}
			}
		},
	}

	// define flags
	flagset := cmd.Flags()
	flagset.SortFlags = false
	flagset.StringVarP(&cli.Config, "config", "c", "", "Path to configuration file (e.g. \"/etc/opsentra/aggregator.yaml\")")
	flagset.StringVar(&cli.Addr, "addr", "", "Listen address (e.g. \":7500\")")
	flagset.StringArrayVarP(&params, "param", "p", []string{}, "Config params")

	// execute command
	if err := cmd.Execute(); err != nil {
		zlog.Fatal().Caller().Err(err).Send()
	}
}
