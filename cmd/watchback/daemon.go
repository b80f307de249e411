package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/controlplane"
	"github.com/openmined/watchback/internal/runtime"
	"github.com/openmined/watchback/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type daemonOptions struct {
	noHTTP  bool
	noWatch bool
}

func newDaemonCmd() *cobra.Command {
	var opts daemonOptions

	daemonCmd := &cobra.Command{
		Use:   "daemon [profile...]",
		Short: "Run the sync engines and the local control plane",
		Long:  "Run the sync engines of the named profiles, or of every configured profile, until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, args, opts)
		},
	}

	daemonCmd.Flags().BoolVar(&opts.noHTTP, "no-http", false, "do not serve the control plane")
	daemonCmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "rely on periodic reconciliation only")
	return daemonCmd
}

func runDaemon(cmd *cobra.Command, names []string, opts daemonOptions) error {
	cmd.SilenceUsage = true

	closeLog, err := setupDaemonLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("watchback", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	slog.Info("daemon config", "config", cfg.Path, "profiles", cfg.ProfilesFile, "data", cfg.DataDir)

	profiles, err := selectProfiles(cfg.ProfilesFile, names)
	if err != nil {
		return err
	}
	if len(profiles) == 0 && opts.noHTTP {
		return fmt.Errorf("%w: no profiles in %s", config.ErrConfigInvalid, cfg.ProfilesFile)
	}

	var mgrOpts []runtime.ManagerOpts
	if opts.noWatch {
		mgrOpts = append(mgrOpts, runtime.WithoutWatcher())
	}
	mgr, err := runtime.NewManager(cfg, nil, mgrOpts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	showHeader(cmd, profiles)

	started := startProfiles(ctx, mgr, profiles)
	if started == 0 && len(profiles) > 0 && opts.noHTTP {
		return errors.New("no profile could be started")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	var server *controlplane.Server
	if !opts.noHTTP {
		server, err = controlplane.NewServer(&cfg.HTTP, mgr, func() ([]*config.Profile, error) {
			return config.LoadProfiles(cfg.ProfilesFile)
		})
		if err != nil {
			return err
		}
		eg.Go(func() error {
			return server.Start(egCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("daemon shutting down")

		// engines get their own budget on top of the configured drain timeout
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout+10*time.Second)
		defer cancel()
		if server != nil {
			if err := server.Stop(stopCtx); err != nil {
				slog.Warn("control plane stop", "error", err)
			}
		}
		return mgr.StopAll(stopCtx)
	})

	defer slog.Info("Bye!")
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon", "error", err)
		return err
	}
	return nil
}

// selectProfiles loads the profiles file and keeps the named profiles, or
// all of them when names is empty.
func selectProfiles(file string, names []string) ([]*config.Profile, error) {
	all, err := config.LoadProfiles(file)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return all, nil
	}
	out := make([]*config.Profile, 0, len(names))
	for _, name := range names {
		p, err := config.FindProfile(all, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// startProfiles starts every profile in parallel. A profile that fails to
// start is logged and left out; the others keep running.
func startProfiles(ctx context.Context, mgr *runtime.Manager, profiles []*config.Profile) int {
	var eg errgroup.Group
	results := make([]error, len(profiles))
	for i, p := range profiles {
		eg.Go(func() error {
			results[i] = mgr.Start(ctx, p)
			return nil
		})
	}
	_ = eg.Wait()

	started := 0
	for i, err := range results {
		if err != nil {
			slog.Error("profile not started", "profile", profiles[i].Name, "error", err)
			continue
		}
		started++
	}
	return started
}

func showHeader(cmd *cobra.Command, profiles []*config.Profile) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, cyan.Bold(true).Render("watchback")+" "+gray.Render(version.Short()))
	for _, p := range profiles {
		fmt.Fprintf(w, "  %s %s %s\n", bold.Render(p.Name), gray.Render(p.Ground+" ->"), fmt.Sprint(p.Mirrors))
	}
}
