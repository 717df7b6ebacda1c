package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CareCall/internal/scheduler"
	"github.com/BTreeMap/CareCall/internal/store"
)

func newCallNowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call-now <patientId>",
		Short: "Place an immediate check-in call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient(opts).R().
				SetContext(cmd.Context()).
				SetBody(map[string]string{"patientId": args[0]}).
				Post("/call-now")
			if err != nil {
				return fmt.Errorf("call-now request: %w", err)
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call placed: %s\n", gjson.GetBytes(resp.Body(), "callId").String())
			return nil
		},
	}
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var tool bool
	cmd := &cobra.Command{
		Use:   "replay <payload.json|->",
		Short: "Replay a provider webhook payload",
		Long: `Replay a saved provider webhook against the server.

By default the payload goes to /call-ended; --tool sends it to /tool instead.
Replaying the same payload twice is safe: tool calls are deduplicated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			path := "/call-ended"
			if tool {
				path = "/tool"
			}
			resp, err := newClient(opts).R().SetContext(cmd.Context()).SetBody(body).Post(path)
			if err != nil {
				return fmt.Errorf("replay request: %w", err)
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(resp.Body()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&tool, "tool", false, "send to the mid-call tool endpoint")
	return cmd
}

func readPayload(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	body, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return body, nil
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		anomalies bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs <patientId>",
		Short: "Show a patient's call logs or voice anomaly logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/call-logs/{patientId}"
			if anomalies {
				path = "/anomaly-logs/{patientId}"
			}
			resp, err := newClient(opts).R().
				SetContext(cmd.Context()).
				SetPathParam("patientId", args[0]).
				SetQueryParam("limit", fmt.Sprint(limit)).
				Get(path)
			if err != nil {
				return fmt.Errorf("logs request: %w", err)
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(resp.Body()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&anomalies, "anomaly", false, "show voice anomaly logs instead of call logs")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

func newCheckInCmd(opts *rootOptions) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "checkin <patientId>",
		Short: "Show a patient's daily check-in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := newClient(opts).R().SetContext(cmd.Context()).SetPathParam("patientId", args[0])
			if date != "" {
				req.SetQueryParam("date", date)
			}
			resp, err := req.Get("/daily-checkins/{patientId}")
			if err != nil {
				return fmt.Errorf("checkin request: %w", err)
			}
			if err := checkResponse(resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(resp.Body()))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "calendar day YYYY-MM-DD in the patient's timezone (default today)")
	return cmd
}

// newDueCmd reads the store directly, so it works without a running server.
func newDueCmd() *cobra.Command {
	var (
		dsn    string
		at     string
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List the patients the scheduler would call",
		Long: `List the patients due for a call at a given instant, reading the store directly.

Examples:
  carecallctl due --db /var/lib/carecall/carecall.db
  carecallctl due --db postgres://localhost/carecall --at 2025-06-01T13:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				now = t
			}
			st, err := store.Open(storeOption(dsn))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			return printDue(cmd.Context(), cmd.OutOrStdout(), scheduler.NewSelector(st, window), now)
		},
	}
	cmd.Flags().StringVar(&dsn, "db", os.Getenv("DATABASE_URL"), "store DSN (SQLite path or postgres URL)")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	cmd.Flags().DurationVar(&window, "window", scheduler.DefaultWindow, "skip patients called within this window")
	return cmd
}

func printDue(ctx context.Context, out io.Writer, sel *scheduler.Selector, now time.Time) error {
	due, err := sel.DuePatients(ctx, now)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIMEZONE\tLAST CALL")
	for _, p := range due {
		last := "never"
		if p.LastCallAt != nil {
			last = p.LastCallAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Timezone, last)
	}
	return w.Flush()
}

func storeOption(dsn string) store.Option {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return store.WithPostgresDSN(dsn)
	}
	return store.WithSQLiteDSN(dsn)
}
