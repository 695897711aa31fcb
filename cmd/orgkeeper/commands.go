package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wurt83ow/orgkeeper/pkg/backend/backendtest"
	"github.com/wurt83ow/orgkeeper/pkg/client"
	"github.com/wurt83ow/orgkeeper/pkg/config"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/session"
)

func newRootCommand() *cobra.Command {
	opts := config.Default()

	cmd := &cobra.Command{
		Use:           "orgkeeper",
		Short:         "Offline-first data store for community organizations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Load(cmd.Flags())
		},
	}
	opts.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newSyncCommand(&opts),
		newDaemonCommand(&opts),
		newStatusCommand(&opts),
		newSeedCommand(&opts),
		newFailedCommand(&opts),
		newLoginCommand(&opts),
		newLogoutCommand(&opts),
		newConsoleCommand(&opts),
		newDevServerCommand(&opts),
	)
	return cmd
}

// withApp builds the application for one command run.
func withApp(opts *config.Options, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newSyncCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				rep, err := a.orch.RunCycle(ctx)
				if rep != nil {
					fmt.Fprintln(cmd.OutOrStdout(), rep)
				}
				return err
			})
		},
	}
}

func newDaemonCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Synchronize periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				a.log.Printf("daemon started, interval %s", opts.SyncInterval)
				a.orch.Start(ctx)
				<-ctx.Done()
				a.log.Printf("daemon stopping")
				return nil
			})
		},
	}
}

func newStatusCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and last cycle results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				st, err := a.orch.Status(ctx)
				if err != nil {
					return err
				}
				client.PrintStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func newSeedCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Queue every local row that was never synchronized",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				id, err := a.provider.Identity(ctx)
				if err != nil {
					return err
				}
				n, err := a.orch.PerformInitialSync(ctx, id.OwnerID)
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d rows\n", n)
				return err
			})
		},
	}
}

func newFailedCommand(opts *config.Options) *cobra.Command {
	var retry, discard int64

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List changes the backend refused, or retry one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				id, err := a.provider.Identity(ctx)
				if err != nil {
					return err
				}
				switch {
				case retry > 0:
					if err := a.queue.Retry(ctx, id.OwnerID, retry); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "entry %d queued again\n", retry)
				case discard > 0:
					if err := a.queue.Discard(ctx, id.OwnerID, discard); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "entry %d discarded\n", discard)
				default:
					entries, err := a.queue.Failed(ctx, id.OwnerID)
					if err != nil {
						return err
					}
					client.PrintEntries(cmd.OutOrStdout(), entries)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&retry, "retry", 0, "queue the failed entry with this id again")
	cmd.Flags().Int64Var(&discard, "discard", 0, "drop the failed entry with this id")
	return cmd
}

func newLoginCommand(opts *config.Options) *cobra.Command {
	var owner, token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the owner id and backend token in the session file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Passphrase == "" {
				return errors.New("set ORGKEEPER_PASSPHRASE to protect the session file")
			}
			store := session.NewFileStore(opts.SessionPath, opts.Passphrase)
			if err := store.Save(session.Identity{OwnerID: owner, Token: token}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", owner)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id issued by the backend")
	cmd.Flags().StringVar(&token, "token", "", "backend access token")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newLogoutCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the session file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return session.NewFileStore(opts.SessionPath, opts.Passphrase).Clear()
		},
	}
}

func newConsoleCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive console with background synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				a.orch.Start(ctx)
				return client.NewConsole(a.svc, a.orch, a.queue, cmd.OutOrStdout()).Run(ctx)
			})
		},
	}
}

func newDevServerCommand(opts *config.Options) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve an in-memory backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logger.NewLogger(logger.Options{Stderr: true, Prefix: "devserver "})
			srv := backendtest.New(log)
			srv.Token = token
			srv.Tombstones = true

			httpSrv := &http.Server{
				Addr:              opts.DevServerAddr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			log.Printf("listening on %s", opts.DevServerAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "only accept this bearer token")
	return cmd
}
