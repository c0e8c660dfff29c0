// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/SnellerInc/blockspill/block"
	"github.com/SnellerInc/blockspill/connector"
	"github.com/SnellerInc/blockspill/crypt"
	"github.com/SnellerInc/blockspill/paging"
	"github.com/SnellerInc/blockspill/spill"
	"github.com/SnellerInc/blockspill/split"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func queryID() string {
	if id := viper.GetString("query-id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tablesCmd() *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "tables [schema]",
		Short: "List the schemas of a catalog, or the tables of one schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if len(args) == 0 {
				names, err := paging.Collect(ctx, pageSize, func(ctx context.Context, r paging.Request) (*paging.Page[string], error) {
					return svc.ListSchemas(ctx, &connector.ListSchemasRequest{QueryID: queryID(), Catalog: cat, Page: r})
				})
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			}
			tables, err := paging.Collect(ctx, pageSize, func(ctx context.Context, r paging.Request) (*paging.Page[split.TableName], error) {
				return svc.ListTables(ctx, &connector.ListTablesRequest{QueryID: queryID(), Catalog: cat, Schema: args[0], Page: r})
			})
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Println(t)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "items per listing call (-1 for unlimited)")
	return cmd
}

// plan collects every split of table.
func plan(ctx context.Context, cat, qid string, table split.TableName, query string) ([]*split.Split, error) {
	return paging.Collect(ctx, paging.UnlimitedPageSize, func(ctx context.Context, r paging.Request) (*paging.Page[*split.Split], error) {
		return svc.GetSplits(ctx, &connector.GetSplitsRequest{
			QueryID: qid,
			Catalog: cat,
			Table:   table,
			Query:   query,
			Token:   r.Token,
		})
	})
}

func splitsCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "splits <schema.table>",
		Short: "Print the splits a scan of a table is divided into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog()
			if err != nil {
				return err
			}
			table, err := split.ParseTableName(args[0])
			if err != nil {
				return err
			}
			splits, err := plan(cmd.Context(), cat, queryID(), table, query)
			if err != nil {
				return err
			}
			return printJSON(splits)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "SELECT statement to pass through instead of scanning the table")
	return cmd
}

// readResult is what read prints for each split.
type readResult struct {
	Split     string               `json:"split"`
	RequestID string               `json:"requestId"`
	Rows      int64                `json:"rows"`
	Cancelled bool                 `json:"cancelled,omitempty"`
	Spilled   []spill.SpilledBlock `json:"spilled,omitempty"`
	Inline    []string             `json:"inline,omitempty"`
	Key       *crypt.EncryptionKey `json:"encryptionKey,omitempty"`
}

func readCmd() *cobra.Command {
	var (
		query     string
		maxBlock  int
		maxInline int
		threads   int
		printRows bool
	)
	cmd := &cobra.Command{
		Use:   "read <schema.table>",
		Short: "Read every split of a table and report where the results went",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, err := catalog()
			if err != nil {
				return err
			}
			table, err := split.ParseTableName(args[0])
			if err != nil {
				return err
			}
			var schema *block.Schema
			if query != "" {
				lite, ok := svc.Catalog(cat)
				if !ok {
					return fmt.Errorf("catalog %s does not support passthrough queries", cat)
				}
				schema, err = lite.QuerySchema(ctx, query)
			} else {
				var t *connector.Table
				t, err = svc.GetTable(ctx, &connector.GetTableRequest{Catalog: cat, Table: table})
				if t != nil {
					schema = t.Schema
				}
			}
			if err != nil {
				return err
			}
			qid := queryID()
			splits, err := plan(ctx, cat, qid, table, query)
			if err != nil {
				return err
			}
			for _, s := range splits {
				req := &connector.ReadRequest{
					QueryID:             qid,
					Catalog:             cat,
					Table:               table,
					Schema:              schema,
					Split:               s,
					MaxBlockBytes:       maxBlock,
					MaxInlineBlockBytes: maxInline,
					NumSpillThreads:     threads,
				}
				res, err := svc.Read(ctx, req, nil)
				if err != nil {
					return fmt.Errorf("%s: %w", s, err)
				}
				out := readResult{
					Split:     s.ID(),
					RequestID: res.RequestID,
					Rows:      res.Rows,
					Cancelled: res.Cancelled,
					Spilled:   res.Spilled,
					Key:       s.EncryptionKey(),
				}
				if printRows && res.Inline != nil {
					b, err := block.Unmarshal(nil, res.Inline)
					if err != nil {
						return err
					}
					for i := 0; i < b.RowCount(); i++ {
						row, err := b.RowString(i)
						if err != nil {
							return err
						}
						out.Inline = append(out.Inline, row)
					}
				}
				if err := printJSON(&out); err != nil {
					return err
				}
			}
			logger.Info("read complete", zap.String("query", qid), zap.Int("splits", len(splits)))
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "SELECT statement to pass through instead of scanning the table")
	cmd.Flags().IntVar(&maxBlock, "max-block-bytes", 0, "override spill.maxBlockBytes")
	cmd.Flags().IntVar(&maxInline, "max-inline-bytes", 0, "override spill.maxInlineBlockBytes")
	cmd.Flags().IntVar(&threads, "spill-threads", 0, "override spill.numSpillThreads")
	cmd.Flags().BoolVar(&printRows, "rows", false, "print inline rows")
	return cmd
}

func dumpCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "dump <location>...",
		Short: "Decode spilled blocks and print their rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key *crypt.EncryptionKey
			if keyFile != "" {
				buf, err := os.ReadFile(keyFile)
				if err != nil {
					return err
				}
				key = new(crypt.EncryptionKey)
				if err := json.Unmarshal(buf, key); err != nil {
					return fmt.Errorf("%s: %w", keyFile, err)
				}
			}
			alloc := block.NewAllocator(cfg.AllocatorLimit)
			defer alloc.Close()
			for _, arg := range args {
				loc, err := spill.ParseLocation(arg)
				if err != nil {
					return err
				}
				b, err := spill.Read(cmd.Context(), svc.Store, alloc, key, loc)
				if err != nil {
					return err
				}
				fmt.Printf("# %s: %d rows, %d bytes, schema %s\n", loc, b.RowCount(), b.Size(), b.Schema())
				for i := 0; i < b.RowCount(); i++ {
					row, err := b.RowString(i)
					if err != nil {
						b.Release()
						return err
					}
					fmt.Println(row)
				}
				b.Release()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "JSON file holding the encryption key")
	return cmd
}
