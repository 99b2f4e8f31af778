package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/httpapi"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
	"github.com/c0deZ3R0/go-conflict-kit/notify/sse"
	"github.com/c0deZ3R0/go-conflict-kit/ot"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
	"github.com/c0deZ3R0/go-conflict-kit/value"
)

// apiClient calls the /api/v1 routes of a running conflictd.
type apiClient struct {
	base string
	user string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		user: userID,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(httpapi.UserHeader, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.E(errors.Component("conflictd-client"), errors.KindUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValue decodes raw as JSON and falls back to a plain string, so
// `--local hello` works without quoting.
func parseValue(raw string) value.Value {
	if raw == "" {
		return value.Null()
	}
	var v value.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return value.String(raw)
	}
	return v
}

func newResolveCmd() *cobra.Command {
	var (
		session, field, strategy string
		local, remote, base      string
		localTS, remoteTS        string
		localOp, remoteOp        string
		offline                  bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a conflict between two edits of a field",
		Long: `Resolve a conflict between a local and a remote edit.

Values are JSON; anything that does not parse as JSON is taken as a string.

Examples:
  conflictd resolve --session s1 --field title --base Hello --local "Hello A" --remote "Hello B"
  conflictd resolve --field count --base 10 --local 12 --remote 15 --offline
  conflictd resolve --field tags --local '["a","b"]' --remote '["a","c"]' --strategy last_write`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := resolve.Request{
				SessionID: session,
				FieldName: field,
				Strategy:  resolve.Strategy(strategy),
			}
			req.Local.NewValue = parseValue(local)
			req.Remote.NewValue = parseValue(remote)
			req.Base = parseValue(base)
			req.Local.Timestamp, req.Remote.Timestamp = localTS, remoteTS
			req.Local.UserID, req.Remote.UserID = userID, "remote"
			if localOp != "" {
				req.Local.Operation = json.RawMessage(localOp)
			}
			if remoteOp != "" {
				req.Remote.Operation = json.RawMessage(remoteOp)
			}

			if offline {
				engine, err := resolve.New(
					resolve.WithTransformEngine(ot.NewEngine()),
					resolve.WithLogger(logging.Discard()),
				)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), engine.Resolve(cmd.Context(), req))
			}

			var res resolve.Resolution
			if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/conflicts/resolve", req, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&session, "session", "", "session id")
	f.StringVar(&field, "field", "", "field name")
	f.StringVar(&strategy, "strategy", "", "auto, last_write, first_write, manual or a field type")
	f.StringVar(&local, "local", "", "local new value")
	f.StringVar(&remote, "remote", "", "remote new value")
	f.StringVar(&base, "base", "", "common ancestor value")
	f.StringVar(&localTS, "local-ts", "", "local edit timestamp (RFC 3339)")
	f.StringVar(&remoteTS, "remote-ts", "", "remote edit timestamp (RFC 3339)")
	f.StringVar(&localOp, "local-op", "", `local text operation, e.g. {"type":"insert","position":5,"text":"!"}`)
	f.StringVar(&remoteOp, "remote-op", "", "remote text operation")
	f.BoolVar(&offline, "offline", false, "resolve in-process without a server or store")
	return cmd
}

func newChooseCmd() *cobra.Command {
	var choice, custom string
	cmd := &cobra.Command{
		Use:   "choose <conflict-id>",
		Short: "Finalize a manual conflict",
		Long: `Finalize a conflict that needs a human decision.

Examples:
  conflictd choose 6f1c... --choice remote --user alice
  conflictd choose 6f1c... --choice custom --value '"Hello everyone"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := resolve.ChoiceRequest{Choice: resolve.Choice(choice)}
			if !req.Choice.Valid() {
				return fmt.Errorf("unknown choice %q: want local, remote, merge or custom", choice)
			}
			if req.Choice == resolve.ChoiceCustom {
				req.CustomValue = parseValue(custom)
			}
			var res resolve.Resolution
			path := "/conflicts/" + url.PathEscape(args[0]) + "/choice"
			if err := newAPIClient().do(cmd.Context(), http.MethodPost, path, req, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "local, remote, merge or custom")
	cmd.Flags().StringVar(&custom, "value", "", "value for --choice custom")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "List a session's conflicts, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				SessionID string                    `json:"session_id"`
				Conflicts []*resolve.ConflictRecord `json:"conflicts"`
			}
			path := "/sessions/" + url.PathEscape(args[0]) + "/conflicts?limit=" + strconv.Itoa(limit)
			if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out.Conflicts)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of records")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Print a session's conflict events as they happen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			streamURL := strings.TrimRight(serverURL, "/") + "/api/v1/sessions/" + url.PathEscape(args[0]) + "/events"
			client := sse.NewClient(streamURL, nil)
			if userID != "" {
				client.Header.Set(httpapi.UserHeader, userID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			err := client.Subscribe(ctx, func(env notify.Envelope) error {
				return enc.Encode(env)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
