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

package run

import (
	"context"
	"os"

	"github.com/fatih/color"
	"github.com/flowrt/flowrt/pkg/cmd/util"
	"github.com/flowrt/flowrt/pkg/config"
	"github.com/flowrt/flowrt/pkg/device"
	cerror "github.com/flowrt/flowrt/pkg/errors"
	"github.com/flowrt/flowrt/pkg/framework/scheduler"
	"github.com/flowrt/flowrt/pkg/graph"
	"github.com/flowrt/flowrt/pkg/version"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// options defines flags for the `run` command.
type options struct {
	graphPath      string
	inputsPath     string
	recordFile     string
	configFilePath string
	iterations     int

	runtimeConfig *config.RuntimeConfig
}

// newOptions creates new options for the `run` command.
func newOptions() *options {
	return &options{
		runtimeConfig: config.GetDefaultRuntimeConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultConfig := config.GetDefaultRuntimeConfig()
	cmd.Flags().StringVar(&o.graphPath, "graph", "", "Path of the graph file, TOML or JSON")
	cmd.Flags().StringVar(&o.inputsPath, "inputs", "", "Path of the file of the graph inputs, TOML or JSON")
	cmd.Flags().IntVar(&o.iterations, "iterations", 1, "Number of iterations to run")
	cmd.Flags().StringVar(&o.recordFile, "record-file", "", "Dump the kernel launch records to this file")
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path of the configuration file")

	cmd.Flags().StringVar(&o.runtimeConfig.Log.Level, "log-level", defaultConfig.Log.Level, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.runtimeConfig.Log.File, "log-file", defaultConfig.Log.File, "log file path")
	cmd.Flags().IntVar(&o.runtimeConfig.Scheduler.WorkerNum, "worker-num", defaultConfig.Scheduler.WorkerNum, "number of workers polling actors")
	cmd.Flags().IntVar(&o.runtimeConfig.Scheduler.MailboxSize, "mailbox-size", defaultConfig.Scheduler.MailboxSize, "mailbox backlog that triggers a warning")
	cmd.Flags().IntVar(&o.runtimeConfig.Scheduler.MaxInFlight, "max-in-flight", defaultConfig.Scheduler.MaxInFlight, "maximum number of concurrent iterations")
	cmd.Flags().IntVar(&o.runtimeConfig.Memory.Capacity, "memory-capacity", defaultConfig.Memory.Capacity, "device memory capacity in bytes, 0 means unlimited")
	cmd.Flags().StringVar(&o.runtimeConfig.Memory.FreePolicy, "free-policy", defaultConfig.Memory.FreePolicy, "when outputs are sent after a free request (issued|completed)")

	// the possible error returned from MarkFlagRequired is `no such flag`
	cmd.MarkFlagRequired("graph")  //nolint:errcheck
	cmd.MarkFlagRequired("inputs") //nolint:errcheck
}

// complete loads the config file and overrides it with the flags set on
// the command line.
func (o *options) complete(cmd *cobra.Command) error {
	conf := config.GetDefaultRuntimeConfig()
	if len(o.configFilePath) > 0 {
		if err := util.StrictDecodeFile(o.configFilePath, "flowrt", conf); err != nil {
			return err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-level":
			conf.Log.Level = o.runtimeConfig.Log.Level
		case "log-file":
			conf.Log.File = o.runtimeConfig.Log.File
		case "worker-num":
			conf.Scheduler.WorkerNum = o.runtimeConfig.Scheduler.WorkerNum
		case "mailbox-size":
			conf.Scheduler.MailboxSize = o.runtimeConfig.Scheduler.MailboxSize
		case "max-in-flight":
			conf.Scheduler.MaxInFlight = o.runtimeConfig.Scheduler.MaxInFlight
		case "memory-capacity":
			conf.Memory.Capacity = o.runtimeConfig.Memory.Capacity
		case "free-policy":
			conf.Memory.FreePolicy = o.runtimeConfig.Memory.FreePolicy
		case "record-file":
			if conf.Scheduler.EnableRecorder {
				break
			}
			cmd.Print(color.HiYellowString("[WARN] --record-file is set while the recorder is disabled " +
				"in the config, the recorder is enabled.\n"))
			conf.Scheduler.EnableRecorder = true
		case "graph", "inputs", "iterations", "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if err := conf.ValidateAndAdjust(); err != nil {
		return errors.Trace(err)
	}
	o.runtimeConfig = conf
	return nil
}

func (o *options) validate() error {
	if o.graphPath == "" {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("empty graph path")
	}
	if o.inputsPath == "" {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("empty inputs path")
	}
	if o.iterations <= 0 {
		return cerror.ErrInvalidConfig.GenWithStackByArgs("iterations must be positive")
	}
	return nil
}

func (o *options) run(cmd *cobra.Command) error {
	ctx, cancel := util.InitCmd(cmd, o.runtimeConfig.Log)
	defer cancel()
	// A notify that complete immediately, it skips the second signal essentially.
	util.InitSignalHandling(func() <-chan struct{} {
		done := make(chan struct{})
		close(done)
		return done
	}, cancel)
	version.LogVersionInfo()

	registry := newRegistry()
	outputs, err := o.execute(ctx, cmd)
	if err != nil {
		log.Error("run graph failed", zap.String("graph", o.graphPath), zap.Error(err))
		return err
	}
	if err := util.JSONPrint(cmd, outputs); err != nil {
		return errors.Trace(err)
	}
	return printSummary(cmd, registry)
}

// execute compiles the graph and runs the iterations, bounded by the
// max in flight iterations. It returns the outputs of the last iteration.
func (o *options) execute(ctx context.Context, cmd *cobra.Command) ([]*graph.Feed, error) {
	g, err := graph.LoadFile(o.graphPath)
	if err != nil {
		return nil, err
	}
	feeds, err := graph.LoadFeeds(o.inputsPath)
	if err != nil {
		return nil, err
	}
	inputs, err := g.HostInputs(feeds)
	if err != nil {
		return nil, err
	}
	set, err := scheduler.Compile(ctx, g, scheduler.WithConfig(o.runtimeConfig))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := set.Close(); err != nil {
			log.Warn("close actor set failed", zap.Error(err))
		}
	}()

	results := make([][]*device.HostTensor, o.iterations)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.runtimeConfig.Scheduler.MaxInFlight)
	for i := 0; i < o.iterations; i++ {
		i := i
		eg.Go(func() error {
			outputs, err := set.Run(egCtx, inputs)
			if err != nil {
				return errors.Annotatef(err, "iteration %d", i)
			}
			results[i] = outputs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if o.recordFile != "" {
		if err := dumpRecords(set, o.recordFile); err != nil {
			return nil, err
		}
		cmd.Printf("launch records are written to %s\n", o.recordFile)
	}

	last := results[o.iterations-1]
	names := set.Outputs()
	out := make([]*graph.Feed, 0, len(last))
	for i, h := range last {
		values, err := graph.FromHost(h)
		if err != nil {
			return nil, err
		}
		out = append(out, &graph.Feed{
			Name:   names[i],
			DType:  h.DType.String(),
			Shape:  h.Shape,
			Values: values,
		})
	}
	return out, nil
}

func dumpRecords(set *scheduler.ActorSet, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = errors.Trace(closeErr)
		}
	}()
	return set.DumpRecords(f)
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "run",
		Short: "Compile a graph and run it on the given inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			if err := o.validate(); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
