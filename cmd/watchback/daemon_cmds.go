package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openmined/watchback/internal/config"
	"github.com/openmined/watchback/internal/cpclient"
	"github.com/openmined/watchback/internal/engine"
	"github.com/openmined/watchback/internal/events"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/spf13/cobra"
)

func daemonClient() *cpclient.Client {
	return cpclient.New(cfg.HTTP.Addr, cfg.HTTP.Token)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [profile]",
		Short: "Show the state of running profiles and their mirrors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			resp, err := daemonClient().Status(cmd.Context())
			if errors.Is(err, cpclient.ErrDaemonUnreachable) {
				fmt.Fprintln(cmd.OutOrStdout(), gray.Render("daemon not running at "+cfg.HTTP.Addr))
				return nil
			}
			if err != nil {
				return err
			}

			profiles := resp.Profiles
			if len(args) == 1 {
				profiles = filterStatus(profiles, args[0])
				if len(profiles) == 0 {
					return fmt.Errorf("profile %s is not running", args[0])
				}
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), profiles)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", cyan.Render("daemon"), gray.Render(resp.Version+" ("+resp.Revision+")"))
			if len(profiles) == 0 {
				fmt.Fprintln(w, gray.Render("no active profiles"))
			}
			for _, st := range profiles {
				printStatus(w, st)
			}
			return nil
		},
	}
	addJSONFlag(cmd)
	return cmd
}

func filterStatus(all []*engine.Status, name string) []*engine.Status {
	for _, st := range all {
		if st.Profile == name {
			return []*engine.Status{st}
		}
	}
	return nil
}

func printStatus(w io.Writer, st *engine.Status) {
	fmt.Fprintf(w, "\n%s %s  %s\n", bold.Render(st.Profile),
		stateStyle(string(st.State)).Render(string(st.State)), gray.Render("last sync "+ago(st.LastSyncTime)))
	for _, m := range st.Mirrors {
		fmt.Fprintf(w, "  %s %s\n", stateStyle(string(m.State)).Render("●"), m.Path)
		field(w, "state", stateStyle(string(m.State)).Render(string(m.State)))
		field(w, "files", m.Files)
		field(w, "progress", fmt.Sprintf("%d applied, %d pending", m.Applied, m.Pending))
		field(w, "last sync", ago(m.LastSyncTime))
		if m.LastSnapshot != nil {
			field(w, "snapshot", fmt.Sprintf("%s (%s)", timestamp(m.LastSnapshot.Time), ago(m.LastSnapshot.Time)))
		}
		if m.DiskFree > 0 {
			field(w, "disk free", bytesOf(int64(m.DiskFree)))
		}
		if m.LastError != "" {
			field(w, "error", red.Render(m.LastError))
		}
		for _, p := range m.FailedPaths {
			field(w, "failed", red.Render(p))
		}
	}
}

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List configured profiles; start, stop or sync them in the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			profiles, err := config.LoadProfiles(cfg.ProfilesFile)
			if err != nil {
				return err
			}
			active := map[string]*engine.Status{}
			if resp, err := daemonClient().Status(cmd.Context()); err == nil {
				for _, st := range resp.Profiles {
					active[st.Profile] = st
				}
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), profiles)
			}

			w := cmd.OutOrStdout()
			if len(profiles) == 0 {
				fmt.Fprintln(w, gray.Render("no profiles in "+cfg.ProfilesFile))
				return nil
			}
			for _, p := range profiles {
				state := "stopped"
				if st, ok := active[p.Name]; ok {
					state = string(st.State)
				}
				fmt.Fprintf(w, "%s  %s\n", bold.Render(p.Name), stateStyle(state).Render(state))
				field(w, "ground", p.Ground)
				for _, m := range p.Mirrors {
					field(w, "mirror", m)
				}
				field(w, "snapshots", describePolicy(p))
			}
			return nil
		},
	}
	addJSONFlag(cmd)

	cmd.AddCommand(
		profileActionCmd("start", "Start a configured profile in the daemon", func(cmd *cobra.Command, c *cpclient.Client, name string) error {
			_, err := c.StartProfile(cmd.Context(), name)
			return err
		}),
		profileActionCmd("stop", "Stop a running profile", func(cmd *cobra.Command, c *cpclient.Client, name string) error {
			return c.StopProfile(cmd.Context(), name)
		}),
		profileActionCmd("sync", "Reconcile a running profile now and wait for it", func(cmd *cobra.Command, c *cpclient.Client, name string) error {
			st, err := c.SyncProfile(cmd.Context(), name)
			if err == nil {
				printStatus(cmd.OutOrStdout(), st)
			}
			return err
		}),
	)
	return cmd
}

func describePolicy(p *config.Profile) string {
	if p.Snapshot.Mode == snapshot.ModeBatch {
		return fmt.Sprintf("after changes, at most every %s", p.Snapshot.MinInterval)
	}
	return fmt.Sprintf("every %s", p.Snapshot.Interval)
}

func profileActionCmd(use, short string, fn func(*cobra.Command, *cpclient.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <profile>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			if err := fn(cmd, daemonClient(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green.Render(use)+" "+args[0])
			return nil
		},
	}
}

func newSnapshotNowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "now <profile>",
		Short: "Snapshot every mirror of a running profile now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			resp, err := daemonClient().SnapshotProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), resp)
			}

			w := cmd.OutOrStdout()
			var failed int
			for _, m := range resp.Mirrors {
				switch {
				case m.Error != "":
					failed++
					fmt.Fprintln(w, red.Render("failed    ")+m.Mirror+": "+m.Error)
				case m.Created:
					fmt.Fprintln(w, green.Render("created   ")+m.Mirror+" "+gray.Render(timestamp(m.Pointer.Time)))
				default:
					fmt.Fprintln(w, gray.Render("unchanged ")+m.Mirror)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d mirrors failed", failed, len(resp.Mirrors))
			}
			return nil
		},
	}
	addJSONFlag(cmd)
	return cmd
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [profile]",
		Short: "Follow engine events of the running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			profile := ""
			if len(args) == 1 {
				profile = args[0]
			}
			w := cmd.OutOrStdout()
			jsonOut := asJSON(cmd)
			return daemonClient().Events(cmd.Context(), profile, func(ev *events.Event) error {
				if jsonOut {
					return writeJSON(w, ev)
				}
				printEvent(w, ev)
				return nil
			})
		},
	}
	addJSONFlag(cmd)
	return cmd
}

func printEvent(w io.Writer, ev *events.Event) {
	line := gray.Render(ev.Time.Local().Format(time.TimeOnly)) + " " + bold.Render(ev.Profile) + " " + cyan.Render(string(ev.Type))
	if ev.Mirror != "" {
		line += " " + ev.Mirror
	}
	if ev.Path != "" {
		line += " " + ev.Path
	}
	if ev.State != "" {
		line += " " + stateStyle(ev.State).Render(ev.State)
	}
	if ev.Applied > 0 || ev.Pending > 0 {
		line += gray.Render(fmt.Sprintf(" applied=%d pending=%d", ev.Applied, ev.Pending))
	}
	if ev.Error != "" {
		line += " " + red.Render(ev.Error)
	}
	fmt.Fprintln(w, line)
}
