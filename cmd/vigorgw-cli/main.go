// Command vigorgw-cli inspects a Vigor gateway deployment: usage records
// from the persistent store, and health of a running server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vedprakash-m/vigor-gateway/internal/usagelog"
)

func main() {
	root := &cobra.Command{
		Use:   "vigorgw-cli",
		Short: "Inspect a Vigor LLM gateway deployment",
	}
	root.AddCommand(usageCmd(), healthCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usageCmd() *cobra.Command {
	var (
		dsn      string
		driver   string
		userID   string
		model    string
		provider string
		limit    int
		sinceStr string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "List usage records from the persistent store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				store *usagelog.SQLStore
				err   error
			)
			if driver == "postgres" {
				store, err = usagelog.NewPostgresStore(dsn)
			} else {
				store, err = usagelog.NewSQLiteStore(dsn)
			}
			if err != nil {
				return err
			}
			defer store.Close()

			q := usagelog.Query{UserID: userID, ModelID: model, Provider: provider, Limit: limit}
			if sinceStr != "" {
				since, err := time.Parse(time.RFC3339, sinceStr)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				q.Since = &since
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			result, err := store.List(ctx, q)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tREQUEST\tUSER\tMODEL\tTOKENS\tCOST\tLATENCY\tSTATUS")
			for _, rec := range result.Data {
				status := "ok"
				if !rec.Success {
					status = rec.ErrorKind
				} else if rec.Cached {
					status = "cached"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%dms\t%s\n",
					rec.CreatedAt.Format(time.RFC3339), shorten(rec.RequestID), rec.UserID,
					rec.ModelID, rec.TokensUsed, rec.Cost.String(), rec.LatencyMS, status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d records\n", len(result.Data), result.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "db", "vigor-usage.db", "usage store DSN")
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "database driver (sqlite|postgres)")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().StringVar(&model, "model", "", "filter by model id")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	cmd.Flags().StringVar(&sinceStr, "since", "", "only records at or after this RFC3339 time")
	return cmd
}

func healthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running gateway's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pretty map[string]interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(body))
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway unhealthy (HTTP %d)", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "gateway base URL")
	return cmd
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
