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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/stageloader/config"
	"github.com/cardinalhq/stageloader/internal/cloudstorage"
	"github.com/cardinalhq/stageloader/internal/copyserializer"
)

var errRowLimit = errors.New("row limit reached")

var inspectCmd = func() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect <file.dsv | s3://bucket/key>",
		Short: "Print the rows of a staging file",
		Long: `Parse a staging file the way the warehouse will and print one row per line,
fields separated by " | " and nulls shown as NULL. Remote files are fetched
with the configured storage provider.`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path := args[0]
			if strings.HasPrefix(path, "s3://") {
				local, err := fetchRemote(c.Context(), path)
				if err != nil {
					return err
				}
				defer func() { _ = os.Remove(local) }()
				path = local
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer func() { _ = f.Close() }()

			n, err := printRows(c.OutOrStdout(), f, limit)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.ErrOrStderr(), "%d rows\n", n)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many rows (0 for all)")
	return cmd
}()

func fetchRemote(ctx context.Context, url string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	bucket, key, err := cloudstorage.ParseURL(url)
	if err != nil {
		return "", err
	}
	client, err := cloudstorage.NewClient(ctx, cfg.StorageClientConfig())
	if err != nil {
		return "", fmt.Errorf("failed to create storage client: %w", err)
	}
	local, _, notFound, err := client.DownloadObject(ctx, os.TempDir(), bucket, key)
	if err != nil {
		return "", err
	}
	if notFound {
		return "", fmt.Errorf("object not found: %s", url)
	}
	return local, nil
}

// printRows writes each parsed row of r to w and returns the row count.
func printRows(w io.Writer, r io.Reader, limit int) (int, error) {
	n := 0
	err := copyserializer.ReadRows(r, func(fields []*string) error {
		if limit > 0 && n >= limit {
			return errRowLimit
		}
		parts := make([]string, len(fields))
		for i, f := range fields {
			if f == nil {
				parts[i] = "NULL"
			} else {
				parts[i] = *f
			}
		}
		if _, err := fmt.Fprintln(w, strings.Join(parts, " | ")); err != nil {
			return err
		}
		n++
		return nil
	})
	if errors.Is(err, errRowLimit) {
		err = nil
	}
	return n, err
}
