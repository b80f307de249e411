package main

import (
	"context"
	"time"

	"github.com/openmined/watchback/internal/controlplane/handlers"
	"github.com/openmined/watchback/internal/cpclient"
	"github.com/openmined/watchback/internal/ledger"
	"github.com/openmined/watchback/internal/mirror"
	"github.com/openmined/watchback/internal/snapshot"
	"github.com/spf13/cobra"
)

// historyBackend answers history commands, either straight from the mirror
// directory or through a running daemon.
type historyBackend interface {
	Versions(ctx context.Context, root, path string) ([]*ledger.VersionRecord, error)
	Restore(ctx context.Context, root, path string, at time.Time, dest string, overwrite bool) (*mirror.RestoreResult, error)
	Snapshots(ctx context.Context, root string) ([]*snapshot.Pointer, error)
	Snapshot(ctx context.Context, root string, at time.Time) (*mirror.SnapshotView, error)
	SnapshotRestore(ctx context.Context, root string, at time.Time, prefix, dest string, overwrite bool) (*mirror.RestoreResult, error)
	SnapshotExport(ctx context.Context, root string, at time.Time, zipPath string, opts mirror.ExportOptions) (*mirror.ExportResult, error)
}

func addDaemonFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("daemon", false, "go through the running daemon instead of reading the mirror directly")
}

func backendFor(cmd *cobra.Command) historyBackend {
	if viaDaemon, _ := cmd.Flags().GetBool("daemon"); viaDaemon {
		return &daemonBackend{client: cpclient.New(cfg.HTTP.Addr, cfg.HTTP.Token)}
	}
	return &localBackend{reader: mirror.NewReader(0)}
}

type localBackend struct {
	reader *mirror.Reader
}

func (b *localBackend) Versions(_ context.Context, root, path string) ([]*ledger.VersionRecord, error) {
	return b.reader.ListVersions(root, path)
}

func (b *localBackend) Restore(ctx context.Context, root, path string, at time.Time, dest string, overwrite bool) (*mirror.RestoreResult, error) {
	return b.reader.RestoreVersion(ctx, root, path, at, dest, mirror.RestoreOptions{Overwrite: overwrite})
}

func (b *localBackend) Snapshots(_ context.Context, root string) ([]*snapshot.Pointer, error) {
	return b.reader.ListSnapshots(root)
}

func (b *localBackend) Snapshot(_ context.Context, root string, at time.Time) (*mirror.SnapshotView, error) {
	return b.reader.ReadSnapshot(root, at)
}

func (b *localBackend) SnapshotRestore(ctx context.Context, root string, at time.Time, prefix, dest string, overwrite bool) (*mirror.RestoreResult, error) {
	return b.reader.RestoreSnapshot(ctx, root, at, prefix, dest, mirror.RestoreOptions{Overwrite: overwrite})
}

func (b *localBackend) SnapshotExport(ctx context.Context, root string, at time.Time, zipPath string, opts mirror.ExportOptions) (*mirror.ExportResult, error) {
	return b.reader.ExportSnapshot(ctx, root, at, zipPath, opts)
}

type daemonBackend struct {
	client *cpclient.Client
}

func (b *daemonBackend) Versions(ctx context.Context, root, path string) ([]*ledger.VersionRecord, error) {
	resp, err := b.client.Versions(ctx, root, path)
	if err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

func (b *daemonBackend) Restore(ctx context.Context, root, path string, at time.Time, dest string, overwrite bool) (*mirror.RestoreResult, error) {
	resp, err := b.client.Restore(ctx, &handlers.RestoreRequest{
		Mirror:    root,
		Path:      path,
		At:        ledger.FormatTime(at),
		Dest:      dest,
		Overwrite: overwrite,
	})
	if err != nil {
		return nil, err
	}
	return &mirror.RestoreResult{Files: resp.Files, Skipped: resp.Skipped, Bytes: resp.Bytes}, nil
}

func (b *daemonBackend) Snapshots(ctx context.Context, root string) ([]*snapshot.Pointer, error) {
	resp, err := b.client.Snapshots(ctx, root)
	if err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

func (b *daemonBackend) Snapshot(ctx context.Context, root string, at time.Time) (*mirror.SnapshotView, error) {
	return b.client.Snapshot(ctx, root, ledger.FormatTime(at))
}

func (b *daemonBackend) SnapshotRestore(ctx context.Context, root string, at time.Time, prefix, dest string, overwrite bool) (*mirror.RestoreResult, error) {
	resp, err := b.client.SnapshotRestore(ctx, &handlers.SnapshotRestoreRequest{
		Mirror:    root,
		At:        ledger.FormatTime(at),
		Prefix:    prefix,
		Dest:      dest,
		Overwrite: overwrite,
	})
	if err != nil {
		return nil, err
	}
	return &mirror.RestoreResult{Files: resp.Files, Skipped: resp.Skipped, Bytes: resp.Bytes}, nil
}

func (b *daemonBackend) SnapshotExport(ctx context.Context, root string, at time.Time, zipPath string, opts mirror.ExportOptions) (*mirror.ExportResult, error) {
	return b.client.SnapshotExport(ctx, &handlers.SnapshotExportRequest{
		Mirror:   root,
		At:       ledger.FormatTime(at),
		Prefix:   opts.Prefix,
		Pattern:  opts.Pattern,
		RootName: opts.RootName,
		Zip:      zipPath,
	})
}
