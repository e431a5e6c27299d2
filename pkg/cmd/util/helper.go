// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/flowrt/flowrt/pkg/logutil"
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// InitCmd initializes the logger and returns the context of the command
// with its cancel function.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) (context.Context, context.CancelFunc) {
	err := logutil.InitLogger(logCfg)
	if err != nil {
		cmd.Printf("init logger error %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("init log", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))

	return context.WithCancel(context.Background())
}

// shutdownNotify is a callback to notify caller that flowrt is about to shutdown.
// It returns a done channel which receive an empty struct when shutdown is complete.
// It must be non-blocking.
type shutdownNotify func() <-chan struct{}

// InitSignalHandling initializes signal handling.
// It must be called after InitCmd.
func InitSignalHandling(shutdown shutdownNotify, cancel context.CancelFunc) {
	// The first signal is for graceful shutdown, the second one forces it.
	signalChanLen := 2
	sc := make(chan os.Signal, signalChanLen)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		sig := <-sc
		log.Info("got signal, prepare to shutdown", zap.Stringer("signal", sig))
		done := shutdown()
		select {
		case <-done:
			log.Info("shutdown complete")
		case sig = <-sc:
			log.Info("got signal, force shutdown", zap.Stringer("signal", sig))
		}
		cancel()
	}()
}

// StrictDecodeFile decodes the toml file strictly. If any item in confFile file is not mapped
// into the Config struct, issue an error and stop the command from starting.
func StrictDecodeFile(path, component string, cfg interface{}, ignoreCheckItems ...string) error {
	metaData, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	// check if item is a ignoreCheckItem
	hasIgnoreItem := func(item []string) bool {
		for _, ignoreCheckItem := range ignoreCheckItems {
			if item[0] == ignoreCheckItem {
				return true
			}
		}
		return false
	}

	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		var b strings.Builder
		hasUnknownConfigSize := 0
		for _, item := range undecoded {
			if hasIgnoreItem(item) {
				continue
			}

			if hasUnknownConfigSize > 0 {
				b.WriteString(", ")
			}
			b.WriteString(item.String())
			hasUnknownConfigSize++
		}
		if hasUnknownConfigSize > 0 {
			err = errors.Errorf("component %s's config file %s contained unknown configuration options: %s",
				component, path, b.String())
		}
	}
	return errors.Trace(err)
}

// JSONPrint will output the data in JSON format.
func JSONPrint(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Printf("%s\n", data)
	return nil
}

// CheckErr is used to cmd err.
func CheckErr(err error) {
	cobra.CheckErr(err)
}
