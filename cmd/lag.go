// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/stageloader/config"
	"github.com/cardinalhq/stageloader/internal/fly"
)

var lagCmd = func() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag for the sink topic",
		Long:  `Display committed offset, high water mark and lag for each partition of the configured topic and consumer group.`,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			admin := fly.NewAdminClient(&cfg.Kafka)
			infos, err := admin.GroupLag(ctx, cfg.Sink.Topic, cfg.Kafka.ConsumerGroup)
			if err != nil {
				return fmt.Errorf("failed to get consumer group lag: %w", err)
			}
			if jsonOutput {
				return printLagJSON(c.OutOrStdout(), infos)
			}
			return printLagTable(c.OutOrStdout(), infos)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}()

func sortLag(infos []fly.PartitionLag) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Topic != infos[j].Topic {
			return infos[i].Topic < infos[j].Topic
		}
		return infos[i].Partition < infos[j].Partition
	})
}

func printLagTable(out io.Writer, infos []fly.PartitionLag) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(out, "No lag data available")
		return err
	}
	sortLag(infos)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TOPIC\tPARTITION\tCOMMITTED\tHIGH WATER MARK\tLAG")
	for _, info := range infos {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			info.Topic, info.Partition, info.CommittedOffset, info.HighWaterMark, info.Lag)
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t\t\t\t%d\n", fly.TotalLag(infos))
	return w.Flush()
}

func printLagJSON(out io.Writer, infos []fly.PartitionLag) error {
	sortLag(infos)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}
