// Copyright © 2024 Pipewright Authors
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

package root

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/pipewright/pipewright/pkg/fitting"
	"github.com/pipewright/pipewright/pkg/fitting/builtin"
	"github.com/pipewright/pipewright/pkg/foundation/cerrors"
	"github.com/pipewright/pipewright/pkg/foundation/log"
	"github.com/pipewright/pipewright/pkg/foundation/metrics"
	promreg "github.com/pipewright/pipewright/pkg/foundation/metrics/prometheus"
	"github.com/pipewright/pipewright/pkg/pipe"
	"github.com/pipewright/pipewright/pkg/ring"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// wordcountCmd runs the classic demo: split stdin lines into words, count
// them with a keyed reducer spread over the ring.
func wordcountCmd() *cobra.Command {
	var (
		partitions int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "wordcount",
		Short: "Count words read from stdin through a two-stage pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger := log.InitLogger(level, log.FormatCLI)
			metrics.Register(promreg.NewRegistry(map[string]string{"node": "local"}))

			r, err := ring.NewStatic(partitions, []ring.NodeID{"local"})
			if err != nil {
				return err
			}
			cluster, err := pipe.NewCluster(pipe.DefaultConfig(), logger, r, []ring.NodeID{"local"})
			if err != nil {
				return err
			}

			var count builtin.ReduceFunc = func(_ string, acc, _ any) (any, error) {
				if acc == nil {
					return 1, nil
				}
				return acc.(int) + 1, nil
			}

			specs := []fitting.Spec{
				{
					Name:        "split",
					Behavior:    "pipewright.wordsplit",
					Partitioner: fitting.BytesPartitioner(),
					NVal:        1,
					QLimit:      128,
				},
				{
					Name:     "count",
					Behavior: builtin.Reduce,
					Arg:      count,
					Partitioner: fitting.PartitionerFunc(func(input any) ring.Hash {
						return ring.HashOf([]byte(input.(builtin.KV).Key))
					}),
					NVal:   1,
					QLimit: 128,
				},
			}

			h, err := cluster.Exec(specs, pipe.Options{Log: pipe.LogSink})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				if err := h.QueueWork(ctx, scanner.Text()); err != nil {
					return err
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			h.EOI()

			results, logs, err := h.CollectResults(ctx)
			if err != nil {
				return err
			}
			for _, l := range logs {
				fmt.Fprintf(cmd.ErrOrStderr(), "log [%s] %s: %v\n", l.Kind, l.Msg, l.Err)
			}
			for _, res := range results {
				kv := res.Value.(builtin.KV)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", kv.Key, kv.Value.(int))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&partitions, "partitions", 16, "number of ring partitions")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func init() {
	fitting.Register("pipewright.wordsplit", func() fitting.Behavior { return &wordSplit{} })
}

// wordSplit turns a line into one KV per word.
type wordSplit struct {
	env fitting.Env
}

func (b *wordSplit) Init(_ context.Context, env fitting.Env) error {
	b.env = env
	return nil
}

func (b *wordSplit) Process(ctx context.Context, input any, _ bool) (fitting.Verdict, error) {
	line, ok := input.(string)
	if !ok {
		return fitting.VerdictError, cerrors.Errorf("wordsplit wants strings, got %T", input)
	}
	for _, word := range strings.Fields(line) {
		if err := b.env.Emit(ctx, builtin.KV{Key: strings.ToLower(word), Value: 1}); err != nil {
			return fitting.VerdictError, err
		}
	}
	return fitting.VerdictOK, nil
}

func (b *wordSplit) Done(context.Context) error { return nil }
