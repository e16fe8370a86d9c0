package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"task-sync/internal/client"
	"task-sync/internal/config"
	"task-sync/internal/logging"
	"task-sync/internal/models"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Work with the local task list and sync it",
	}
	cmd.AddCommand(clientAddCmd())
	cmd.AddCommand(clientListCmd())
	cmd.AddCommand(clientDoneCmd())
	cmd.AddCommand(clientRmCmd())
	cmd.AddCommand(clientWatchCmd())
	cmd.AddCommand(clientLogoutCmd())
	return cmd
}

type session struct {
	cfg       config.ClientConfig
	log       *slog.Logger
	store     *client.BadgerStore
	api       *client.Client
	transport *client.Transport
	engine    *client.Engine
}

func openSession(live bool, onChange func([]models.Task)) (*session, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	cc := cfg.Client
	if cc.ServerURL == "" {
		return nil, errors.New("client.server_url is not set (TASKSYNC_CLIENT_SERVER_URL)")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With("device", cc.DeviceID)

	store, err := client.OpenBadgerStore(client.BadgerConfig{Path: cc.DataDir, Logger: log})
	if err != nil {
		return nil, err
	}
	api := client.NewClient(&http.Client{Timeout: cc.RequestTimeout}, cc.ServerURL, cc.Token)
	opts := client.EngineOptions{
		Store:          store,
		Fallback:       api,
		Debounce:       cc.Debounce,
		SyncInterval:   cc.SyncInterval,
		RequestTimeout: cc.RequestTimeout,
		OnChange:       onChange,
		Logger:         log,
	}
	var transport *client.Transport
	if live {
		wsURL, err := client.WebSocketURL(cc.ServerURL)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		transport = client.NewTransport(client.TransportOptions{
			URL:                  wsURL,
			Token:                cc.Token,
			ReconnectBaseDelay:   cc.ReconnectBaseDelay,
			ReconnectMaxDelay:    cc.ReconnectMaxDelay,
			ReconnectMaxAttempts: cc.ReconnectMaxAttempts,
			Logger:               log,
		})
		opts.Transport = transport
	}
	engine, err := client.NewEngine(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{cfg: cc, log: log, store: store, api: api, transport: transport, engine: engine}, nil
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.log.Warn("close engine", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("close local store", "error", err)
	}
}

// flush pushes local changes once. Being offline is not an error; the changes
// stay queued for the next run.
func (s *session) flush(ctx context.Context, out io.Writer) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.engine.Flush(ctx); err != nil {
		fmt.Fprintf(out, "not synced (%d pending): %v\n", s.engine.Status().Pending, err)
	}
}

// reload re-reads the credential and reconnects. A changed token is swapped
// into both paths; otherwise a transport that gave up is restarted.
func (s *session) reload() {
	cfg, err := config.Load(configFile)
	if err != nil {
		s.log.Warn("reload config", "error", err)
		return
	}
	if token := cfg.Client.Token; token != s.cfg.Token {
		s.cfg.Token = token
		s.api.SetToken(token)
		if s.transport != nil {
			s.transport.SetToken(token)
		}
		s.log.Info("credential reloaded")
	} else if s.transport != nil {
		s.transport.Restart()
	}
	if err := s.engine.SyncNow(); err != nil {
		s.log.Warn("sync after reload", "error", err)
	}
}

// resolve accepts a full id or an unambiguous prefix.
func (s *session) resolve(ref string) (string, error) {
	var match string
	for _, t := range s.engine.Tasks() {
		if t.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("ambiguous task id %q", ref)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", client.ErrTaskNotFound, ref)
	}
	return match, nil
}

func parseDue(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			ms := t.UnixMilli()
			return &ms, nil
		}
	}
	return nil, fmt.Errorf("unrecognized due date %q (want YYYY-MM-DD or RFC3339)", s)
}

func clientAddCmd() *cobra.Command {
	var (
		priority string
		due      string
		labels   []string
	)
	cmd := &cobra.Command{
		Use:   "add [text]",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueAt, err := parseDue(due)
			if err != nil {
				return err
			}
			s, err := openSession(false, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			task, err := s.engine.AddTask(client.TaskInput{
				Text:     strings.Join(args, " "),
				Priority: models.Priority(priority),
				DueAt:    dueAt,
				Labels:   labels,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", shortID(task.ID))
			s.flush(cmd.Context(), cmd.ErrOrStderr())
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "label (repeatable)")
	return cmd
}

func clientListCmd() *cobra.Command {
	var offline, remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Sync, then print the task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if remote {
				tasks, err := s.api.ListTasks(cmd.Context())
				if err != nil {
					return err
				}
				printTasks(cmd.OutOrStdout(), tasks)
				return nil
			}
			if !offline {
				s.flush(cmd.Context(), cmd.ErrOrStderr())
			}
			printTasks(cmd.OutOrStdout(), s.engine.Tasks())
			printStatus(cmd.OutOrStdout(), s.engine.Status())
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "show local state without syncing")
	cmd.Flags().BoolVar(&remote, "remote", false, "show the server's list without touching local state")
	cmd.MarkFlagsMutuallyExclusive("offline", "remote")
	return cmd
}

func clientDoneCmd() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done [id]",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			id, err := s.resolve(args[0])
			if err != nil {
				return err
			}
			completed := !undo
			if _, err := s.engine.UpdateTask(id, client.TaskPatch{Completed: &completed}); err != nil {
				return err
			}
			s.flush(cmd.Context(), cmd.ErrOrStderr())
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark as not completed")
	return cmd
}

func clientRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			id, err := s.resolve(args[0])
			if err != nil {
				return err
			}
			if err := s.engine.DeleteTask(id); err != nil {
				return err
			}
			s.flush(cmd.Context(), cmd.ErrOrStderr())
			return nil
		},
	}
}

func clientLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard every local task and pending change on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.engine.Logout()
		},
	}
}

func clientWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print the list whenever it changes",
		Long: `Stay connected and print the list whenever it changes.

Send SIGHUP to reload the token from config and reconnect after the
transport has given up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			s, err := openSession(true, func(tasks []models.Task) {
				fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.TimeOnly))
				printTasks(out, tasks)
			})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := s.engine.Start(); err != nil {
				return err
			}
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					printStatus(out, s.engine.Status())
					return nil
				case <-hup:
					s.reload()
				}
			}
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printTasks(w io.Writer, tasks []models.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		var extra []string
		if t.Priority != models.PriorityNone {
			extra = append(extra, string(t.Priority))
		}
		if t.DueAt != nil {
			extra = append(extra, "due "+time.UnixMilli(*t.DueAt).Format("2006-01-02"))
		}
		for _, l := range t.Labels {
			extra = append(extra, "#"+l)
		}
		fmt.Fprintf(tw, "%s\t[%s]\t%s\t%s\n", shortID(t.ID), mark, t.Text, strings.Join(extra, " "))
	}
	_ = tw.Flush()
}

func printStatus(w io.Writer, st client.Status) {
	last := "never"
	if st.LastSyncedAt > 0 {
		last = time.UnixMilli(st.LastSyncedAt).Format(time.DateTime)
	}
	fmt.Fprintf(w, "pending: %d  last sync: %s", st.Pending, last)
	if st.LastError != "" {
		fmt.Fprintf(w, "  error: %s", st.LastError)
	}
	fmt.Fprintln(w)
}
