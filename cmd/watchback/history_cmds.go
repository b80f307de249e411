package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/openmined/watchback/internal/codec"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/openmined/watchback/internal/utils"
	"github.com/spf13/cobra"
)

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <mirror> <path>",
		Short: "List the recorded versions of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			root, err := mirror.ResolveMirrorRoot(args[0])
			if err != nil {
				return err
			}
			recs, err := backendFor(cmd).Versions(cmd.Context(), root, args[1])
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), recs)
			}

			w := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(w, gray.Render("no history for "+utils.NormPath(args[1])))
				return nil
			}
			for _, rec := range recs {
				printVersion(w, rec)
			}
			return nil
		},
	}
	addDaemonFlag(cmd)
	addJSONFlag(cmd)
	return cmd
}

func printVersion(w io.Writer, rec *ledger.VersionRecord) {
	kind := string(rec.Kind)
	switch rec.Kind {
	case ledger.KindDelete:
		kind = red.Render(kind)
	case ledger.KindCreate:
		kind = green.Render(kind)
	default:
		kind = yellow.Render(kind)
	}
	hash := "-"
	if rec.Hash != "" {
		hash = rec.Hash.Short()
	}
	fmt.Fprintf(w, "%s  %-20s  %-12s  %8s  %s\n",
		ledger.FormatTime(rec.Time), kind, hash, bytesOf(rec.Size), gray.Render(ago(rec.Time)))
}

func newRestoreCmd() *cobra.Command {
	var at, dest string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore <mirror> <path> --to <file>",
		Short: "Write the content a file had at a point in time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			root, err := mirror.ResolveMirrorRoot(args[0])
			if err != nil {
				return err
			}
			t, err := mirror.ParseTimeArg(at)
			if err != nil {
				return err
			}
			if dest == "" {
				dest = filepath.Base(args[1])
			}
			if dest, err = utils.ResolvePath(dest); err != nil {
				return err
			}

			res, err := backendFor(cmd).Restore(cmd.Context(), root, args[1], t, dest, overwrite)
			if err != nil {
				return err
			}
			return printRestore(cmd, res)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "point in time (default now)")
	cmd.Flags().StringVar(&dest, "to", "", "destination file (default the file name in the working directory)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing destination")
	addDaemonFlag(cmd)
	addJSONFlag(cmd)
	return cmd
}

func printRestore(cmd *cobra.Command, res *mirror.RestoreResult) error {
	if asJSON(cmd) {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	w := cmd.OutOrStdout()
	for _, f := range res.Files {
		fmt.Fprintln(w, green.Render("restored ")+f)
	}
	for _, f := range res.Skipped {
		fmt.Fprintln(w, yellow.Render("skipped  ")+f+gray.Render(" (exists)"))
	}
	fmt.Fprintf(w, "%d files, %s\n", len(res.Files), bytesOf(res.Bytes))
	return nil
}

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots <mirror>",
		Short: "List the snapshots of a mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			root, err := mirror.ResolveMirrorRoot(args[0])
			if err != nil {
				return err
			}
			ptrs, err := backendFor(cmd).Snapshots(cmd.Context(), root)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), ptrs)
			}

			w := cmd.OutOrStdout()
			if len(ptrs) == 0 {
				fmt.Fprintln(w, gray.Render("no snapshots"))
				return nil
			}
			for _, p := range ptrs {
				printPointer(w, p)
			}
			return nil
		},
	}
	addDaemonFlag(cmd)
	addJSONFlag(cmd)
	return cmd
}

func printPointer(w io.Writer, p *snapshot.Pointer) {
	fmt.Fprintf(w, "%s  %s  %6d files  %8s  %s\n",
		ledger.FormatTime(p.Time), p.Manifest.Short(), p.Files, bytesOf(p.Bytes), gray.Render(timestamp(p.Time)))
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect, restore, export or take snapshots",
	}
	cmd.AddCommand(
		newSnapshotShowCmd(),
		newSnapshotRestoreCmd(),
		newSnapshotExportCmd(),
		newSnapshotNowCmd(),
	)
	return cmd
}

func newSnapshotShowCmd() *cobra.Command {
	var at, prefix string

	cmd := &cobra.Command{
		Use:   "show <mirror>",
		Short: "Show the tree of the snapshot at or before a point in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			root, err := mirror.ResolveMirrorRoot(args[0])
			if err != nil {
				return err
			}
			t, err := mirror.ParseTimeArg(at)
			if err != nil {
				return err
			}
			view, err := backendFor(cmd).Snapshot(cmd.Context(), root, t)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), view)
			}

			w := cmd.OutOrStdout()
			printPointer(w, view.Pointer)
			for _, e := range view.Tree.Under(utils.NormPath(prefix)) {
				if e.Kind == snapshot.KindDir {
					fmt.Fprintln(w, "  "+cyan.Render(e.Path+"/"))
					continue
				}
				fmt.Fprintf(w, "  %-60s %8s  %s\n", e.Path, bytesOf(e.Size), gray.Render(e.Hash.Short()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "point in time (default now)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only show this file or folder")
	addDaemonFlag(cmd)
	addJSONFlag(cmd)
	return cmd
}

func newSnapshotRestoreCmd() *cobra.Command {
	var at, prefix, dest string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore <mirror> --to <dir>",
		Short: "Recreate a file, a folder or a whole snapshot under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			root, err := mirror.ResolveMirrorRoot(args[0])
			if err != nil {
				return err
			}
			t, err := mirror.ParseTimeArg(at)
			if err != nil {
				return err
			}
			if dest, err = utils.ResolvePath(dest); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			res, err := backendFor(cmd).SnapshotRestore(cmd.Context(), root, t, prefix, dest, overwrite)
			if err != nil {
				return err
			}
			return printRestore(cmd, res)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "point in time (default now)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "file or folder to restore (default everything)")
	cmd.Flags().StringVar(&dest, "to", "", "destination directory")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	_ = cmd.MarkFlagRequired("to")
	addDaemonFlag(cmd)
	addJSONFlag(cmd)
	return cmd
}

func newSnapshotExportCmd() *cobra.Command {
	var at, zipPath string
	var opts mirror.ExportOptions

	cmd := &cobra.Command{
		Use:   "export <mirror> --zip <file>",
		Short: "Export a snapshot, or part of it, as a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			setupClientLogger(cfg)

			root, err := mirror.ResolveMirrorRoot(args[0])
			if err != nil {
				return err
			}
			t, err := mirror.ParseTimeArg(at)
			if err != nil {
				return err
			}
			if zipPath, err = utils.ResolvePath(zipPath); err != nil {
				return fmt.Errorf("--zip: %w", err)
			}

			res, err := backendFor(cmd).SnapshotExport(cmd.Context(), root, t, zipPath, opts)
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d files, %s) from snapshot %s\n",
				green.Render("exported"), res.Zip, res.Files, bytesOf(res.Bytes), ledger.FormatTime(res.Snapshot))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "point in time (default now)")
	cmd.Flags().StringVar(&zipPath, "zip", "", "archive to write")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "file or folder to export (default everything)")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "glob filter relative to the prefix, e.g. **/*.md")
	cmd.Flags().StringVar(&opts.RootName, "root-name", "", "top level folder inside the archive")
	_ = cmd.MarkFlagRequired("zip")
	addDaemonFlag(cmd)
	addJSONFlag(cmd)
	return cmd
}

func addJSONFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("json", false, "print JSON")
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	data, err := codec.MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
