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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/stageloader/config"
	"github.com/cardinalhq/stageloader/internal/copyserializer"
	"github.com/cardinalhq/stageloader/internal/warehouse"
)

var copySQLCmd = func() *cobra.Command {
	var manifestURL string
	var table string

	cmd := &cobra.Command{
		Use:   "copy-sql",
		Short: "Print the COPY statement a load would run",
		Long:  `Print the COPY ... MANIFEST statement for a manifest, with credentials redacted. Useful for replaying a failed load by hand.`,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			_, err = fmt.Fprintln(c.OutOrStdout(), copySQL(cfg, manifestURL, table))
			return err
		},
	}

	cmd.Flags().StringVar(&manifestURL, "manifest", "", "Manifest URL (s3://bucket/key)")
	cmd.Flags().StringVar(&table, "table", "", "Destination table (defaults to sink.table)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}()

func copySQL(cfg *config.Config, manifestURL, table string) string {
	if table == "" {
		table = cfg.Sink.Table
	}
	serializer := copyserializer.NewDelimited(cfg.Sink.FieldList())
	loader := warehouse.NewLoader(cfg.LoaderConfig(serializer.CopyOptions()))
	return loader.RedactedStatement(manifestURL, table)
}
