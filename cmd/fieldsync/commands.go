// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/syncserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first record store that syncs with a fieldsync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}
	bindFlags(root, v)

	root.AddCommand(
		newPutCmd(v),
		newGetCmd(v),
		newListCmd(v),
		newDeleteCmd(v),
		newSyncCmd(v),
		newStatusCmd(v),
		newWatchCmd(v),
		newFailuresCmd(v),
		newTokenCmd(v),
	)
	return root
}

// withApp opens the engine for the duration of fn
func withApp(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newPutCmd(v *viper.Viper) *cobra.Command {
	var fields []string
	var rawJSON string
	cmd := &cobra.Command{
		Use:   "put <collection> [id]",
		Short: "Insert or update a record locally and queue it for sync",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFields(fields, rawJSON)
			if err != nil {
				return err
			}
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				collection := args[0]
				rec := fieldsync.Record{Fields: values}
				action := fieldsync.ActionInsert
				if len(args) == 2 {
					rec.ID = args[1]
					_, found, err := a.engine.GetLocalByID(ctx, collection, rec.ID)
					if err != nil {
						return err
					}
					if found {
						action = fieldsync.ActionUpdate
					}
				}
				saved, err := a.engine.SaveLocal(ctx, collection, rec, action)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), saved)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "field as key=value; values are parsed as JSON and fall back to strings")
	cmd.Flags().StringVar(&rawJSON, "json", "", "fields as a JSON object")
	return cmd
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print one local record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				rec, found, err := a.engine.GetLocalByID(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("record %s/%s not found", args[0], args[1])
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "Print all local records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				recs, err := a.engine.GetLocal(ctx, args[0])
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []fieldsync.Record{}
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record locally and queue the delete for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				_, err := a.engine.SaveLocal(ctx, args[0], fieldsync.Record{ID: args[1]}, fieldsync.ActionDelete)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes, then pull remote changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				res, err := a.engine.Sync(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "pushed: %d\npulled: %d\n", res.Pushed, res.Pulled)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "error: %s\n", e)
				}
				if !res.Success {
					return fmt.Errorf("sync finished with %d error(s)", len(res.Errors))
				}
				return nil
			})
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed changes and the last sync per collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				st, err := a.engine.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "unsynced: %d\nfailed: %d\n", st.UnsyncedCount, st.FailedCount)
				names := make([]string, 0, len(st.LastSyncTimes))
				for name := range st.LastSyncTimes {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					last := "never"
					if t := st.LastSyncTimes[name]; !t.IsZero() {
						last = fieldsync.FormatTime(t)
					}
					outcome := "ok"
					if !st.LastSyncSuccess[name] {
						outcome = "failed"
					}
					fmt.Fprintf(out, "%s: last sync %s (%s)\n", name, last, outcome)
				}
				return nil
			})
		},
	}
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var probeInterval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing on a timer and on reconnect until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				probe := fieldsync.HTTPProbe(nil, v.GetString(keyServer))
				done := make(chan struct{})
				go func() {
					defer close(done)
					a.monitor.Run(ctx, probe, probeInterval)
				}()

				a.engine.StartAutoSync(v.GetDuration(keyInterval))
				a.logger.Info("Watching for changes",
					"server", v.GetString(keyServer), "interval", v.GetDuration(keyInterval))
				<-ctx.Done()
				a.engine.StopAutoSync()
				<-done
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", 5*time.Second, "how often to check server reachability")
	return cmd
}

func newFailuresCmd(v *viper.Viper) *cobra.Command {
	var ack string
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List changes dropped after repeated push failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if ack != "" {
					if err := a.engine.AcknowledgeFailure(ctx, ack); err != nil {
						return err
					}
					fmt.Fprintf(out, "acknowledged %s\n", ack)
					return nil
				}
				failures, err := a.engine.FailedMutations(ctx)
				if err != nil {
					return err
				}
				for _, fm := range failures {
					fmt.Fprintf(out, "%s\t%s\t%s/%s\tattempts=%d\t%s\n",
						fm.ID, fm.Action, fm.Collection, fm.RecordID, fm.Attempts, fm.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ack, "ack", "", "acknowledge (remove) the failure with this id")
	return cmd
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token from --jwt-secret, --tenant and --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString(keyJWTSecret)
			tenant, user := v.GetString(keyTenant), v.GetString(keyUser)
			if secret == "" || tenant == "" || user == "" {
				return errors.New("--jwt-secret, --tenant and --user are required")
			}
			token, err := syncserver.NewJWTAuth(secret).GenerateToken(user, tenant, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// parseFields merges --json and --field values; --field wins on conflicts
func parseFields(pairs []string, rawJSON string) (map[string]any, error) {
	fields := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &fields); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q, expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		fields[key] = value
	}
	return fields, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
