// Copyright 2025 Google LLC
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
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ziggy42/upsilon/upsilon"
	"golang.org/x/sync/errgroup"
)

// options is the resolved configuration of one invocation.
type options struct {
	outDir   string
	manifest bool
	jobs     int
	compiler upsilon.Config
}

func newRootCmd() *cobra.Command {
	vp := viper.New()
	cmd := &cobra.Command{
		Use:           "upsilon [flags] module.wasm...",
		Short:         "Compile WebAssembly modules to LLVM IR",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(vp)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.AddFlagSet(newFlags())
	vp.SetEnvPrefix("upsilon")
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()
	if err := vp.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

// loadOptions merges the config file, the environment and the flags.
func loadOptions(vp *viper.Viper) (options, error) {
	if path := vp.GetString(keyConfig); path != "" {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return options{}, errors.Wrapf(err, "reading config %s", path)
		}
	}

	if vp.GetBool(keyVerbose) && vp.GetBool(keyQuiet) {
		return options{}, errors.Errorf("--%s and --%s are mutually exclusive", keyVerbose, keyQuiet)
	}
	jobs := vp.GetInt(keyJobs)
	if jobs < 1 {
		return options{}, errors.Errorf("--%s must be positive, got %d", keyJobs, jobs)
	}
	maxTableSize := vp.GetUint32(keyMaxTableSize)
	if maxTableSize == 0 {
		return options{}, errors.Errorf("--%s must be positive", keyMaxTableSize)
	}

	target := vp.GetString(keyTarget)
	if target == hostTarget {
		var err error
		if target, err = hostTriple(); err != nil {
			return options{}, err
		}
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	switch {
	case vp.GetBool(keyVerbose):
		logger.SetLevel(logrus.DebugLevel)
	case vp.GetBool(keyQuiet):
		logger.SetLevel(logrus.WarnLevel)
	}

	return options{
		outDir:   vp.GetString(keyOutDir),
		manifest: vp.GetBool(keyManifest),
		jobs:     jobs,
		compiler: upsilon.Config{
			InlineConstantGlobals: vp.GetBool(keyInlineConstantGlobals),
			Target:                target,
			Layout:                vp.GetString(keyLayout),
			MaxTableSize:          maxTableSize,
			EmitMemoryLimits:      vp.GetBool(keyEmitMemoryLimits),
			Logger:                logger,
		},
	}, nil
}

// run compiles every source. Sources must have distinct module names. The
// first failure cancels the sources that have not started yet.
func run(ctx context.Context, opts options, sources []string, stdout io.Writer) error {
	names := make(map[string]string, len(sources))
	for _, source := range sources {
		name := moduleName(source)
		if other, ok := names[name]; ok {
			return errors.Errorf("%s and %s would both be written as %s.ll", other, source, name)
		}
		names[name] = source
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}
	compiler := upsilon.NewCompiler().WithConfig(opts.compiler)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.jobs)
	for _, source := range sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, err := compileSource(compiler, opts, source)
			if err != nil {
				return errors.WithMessage(err, source)
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(stdout, green(fmt.Sprintf("%s -> %s", source, path)))
			return nil
		})
	}
	return g.Wait()
}

func compileSource(compiler *upsilon.Compiler, opts options, source string) (string, error) {
	name := moduleName(source)
	module, err := resolveModule(source)
	if err != nil {
		return "", err
	}
	defer module.Close()

	irPath := filepath.Join(opts.outDir, name+".ll")
	output, err := compiler.CompileReader(module, name, irPath)
	if err != nil {
		return "", err
	}
	if opts.manifest {
		manifestPath := filepath.Join(opts.outDir, name+".yaml")
		if err := output.WriteManifestFile(manifestPath); err != nil {
			return "", err
		}
	}
	return irPath, nil
}

// moduleName names the outputs of source after the last element of its
// path, whether source is a file or a URL.
func moduleName(source string) string {
	if u, err := url.Parse(source); err == nil && u.Scheme != "" && u.Path != "" {
		return upsilon.ModuleName(u.Path)
	}
	return upsilon.ModuleName(source)
}
