package memstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-json-experiment/json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/storage/diskmanager"
	"github.com/devrev/pairdb/store-access/internal/storage/rowcodec"
	"github.com/devrev/pairdb/store-access/internal/util"
)

const (
	// ManifestFile names the backup manifest inside a backup directory
	ManifestFile = "manifest.json"

	backupWriters      = 4
	backupPollInterval = 10 * time.Millisecond
)

// RecordImage is one record in a container image
type RecordImage struct {
	RecordID int64                   `json:"rid"`
	Values   []rowcodec.EncodedValue `json:"values"`
}

// ContainerImage is the backup form of one container
type ContainerImage struct {
	ID       model.ContainerID      `json:"id"`
	Kind     rawstore.ContainerKind `json:"kind"`
	Metadata []byte                 `json:"metadata,omitempty"`
	Records  []RecordImage          `json:"records"`
}

// Manifest describes a backup directory
type Manifest struct {
	CreatedAt   time.Time           `json:"created_at"`
	Containers  []model.ContainerID `json:"containers"`
	ArchiveMode bool                `json:"archive_mode"`
	Checkpoints int64               `json:"checkpoints"`
	Properties  model.Properties    `json:"properties"`
}

// ContainerFile names the image file of a container
func ContainerFile(id model.ContainerID) string {
	return fmt.Sprintf("container-%d.img", id)
}

func defaultDiskCheck(logger *zap.Logger) func(string, uint64) error {
	return func(dir string, estimatedBytes uint64) error {
		dm, err := diskmanager.NewDiskManager(diskmanager.DefaultConfig(dir), logger)
		if err != nil {
			return err
		}
		return dm.CheckBeforeWrite(estimatedBytes)
	}
}

// Freeze blocks every writer until Unfreeze
func (s *Store) Freeze(ctx context.Context) error {
	if !s.frozen.CompareAndSwap(false, true) {
		return accesserrors.InvalidArgument("store is already frozen", nil)
	}
	s.freeze.Lock()
	s.logger.Info("Raw store frozen")
	return nil
}

// Unfreeze releases writers blocked by Freeze
func (s *Store) Unfreeze(ctx context.Context) error {
	if !s.frozen.CompareAndSwap(true, false) {
		return accesserrors.InvalidArgument("store is not frozen", nil)
	}
	s.freeze.Unlock()
	s.logger.Info("Raw store unfrozen")
	return nil
}

// Checkpoint records a checkpoint. Every change is already in memory.
func (s *Store) Checkpoint(ctx context.Context) error {
	n := s.checkpoints.Add(1)
	s.logger.Info("Checkpoint taken",
		zap.Int64("checkpoint", n),
		zap.Int64("log_instant", s.logInstant.Load()))
	return nil
}

// Checkpoints returns the number of checkpoints taken
func (s *Store) Checkpoints() int64 {
	return s.checkpoints.Load()
}

// IsArchiveMode reports whether log archive mode is on
func (s *Store) IsArchiveMode() bool {
	return s.archiveMode.Load()
}

// Backup writes an image of every persistent container to dir. With wait
// false the backup fails while any transaction has uncommitted writes;
// with wait true it polls until none do or ctx is done.
func (s *Store) Backup(ctx context.Context, dir string, wait bool) error {
	if dir == "" {
		return accesserrors.InvalidArgument("backup directory is required", nil)
	}
	if err := s.waitForQuiescence(ctx, wait); err != nil {
		return err
	}
	return s.writeBackup(ctx, dir)
}

// BackupAndEnableLogArchiveMode takes a backup and turns on archive mode
func (s *Store) BackupAndEnableLogArchiveMode(ctx context.Context, dir string, deleteOnlineArchivedLogFiles, wait bool) error {
	s.archiveMode.Store(true)
	if err := s.Backup(ctx, dir, wait); err != nil {
		s.archiveMode.Store(false)
		return err
	}
	s.logger.Info("Log archive mode enabled",
		zap.String("dir", dir),
		zap.Bool("delete_online_archived_logs", deleteOnlineArchivedLogFiles))
	return nil
}

// DisableLogArchiveMode turns archive mode off
func (s *Store) DisableLogArchiveMode(ctx context.Context, deleteOnlineArchivedLogFiles bool) error {
	s.archiveMode.Store(false)
	s.logger.Info("Log archive mode disabled",
		zap.Bool("delete_online_archived_logs", deleteOnlineArchivedLogFiles))
	return nil
}

func (s *Store) pendingUpdates() int {
	pending := 0
	for _, t := range s.liveTransactions() {
		if !t.IsPristine() {
			pending++
		}
	}
	return pending
}

func (s *Store) waitForQuiescence(ctx context.Context, wait bool) error {
	pending := s.pendingUpdates()
	if pending == 0 {
		return nil
	}
	if !wait {
		return accesserrors.BackupBlocked(pending)
	}

	ticker := time.NewTicker(backupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return accesserrors.BackupBlocked(s.pendingUpdates()).WithDetail("cause", ctx.Err().Error())
		case <-ticker.C:
			if s.pendingUpdates() == 0 {
				return nil
			}
		}
	}
}

func (s *Store) snapshot() ([]ContainerImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	images := make([]ContainerImage, 0, len(s.containers))
	for id, c := range s.containers {
		if c.temporary {
			continue
		}
		img := ContainerImage{ID: id, Kind: c.kind, Metadata: cloneBytes(c.meta)}
		for _, rid := range c.recordIDs() {
			values, err := rowcodec.EncodeValues(c.rows[rid])
			if err != nil {
				return nil, fmt.Errorf("failed to encode record %d:%d: %w", id, rid, err)
			}
			img.Records = append(img.Records, RecordImage{RecordID: rid, Values: values})
		}
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	return images, nil
}

func (s *Store) writeBackup(ctx context.Context, dir string) error {
	images, err := s.snapshot()
	if err != nil {
		return err
	}

	encoded := make([][]byte, len(images))
	var total uint64
	for i := range images {
		data, err := json.Marshal(&images[i])
		if err != nil {
			return fmt.Errorf("failed to encode container %d: %w", images[i].ID, err)
		}
		encoded[i] = util.Frame(data)
		total += uint64(len(encoded[i]))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := s.cfg.DiskCheck(dir, total); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backupWriters)
	for i := range images {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, ContainerFile(images[i].ID))
			if err := os.WriteFile(path, encoded[i], 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.propMu.RLock()
	props := s.serviceProps.Clone()
	s.propMu.RUnlock()

	manifest := Manifest{
		CreatedAt:   time.Now().UTC(),
		ArchiveMode: s.archiveMode.Load(),
		Checkpoints: s.checkpoints.Load(),
		Properties:  props,
	}
	for _, img := range images {
		manifest.Containers = append(manifest.Containers, img.ID)
	}
	data, err := json.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), util.Frame(data), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	s.logger.Info("Backup written",
		zap.String("dir", dir),
		zap.Int("containers", len(images)),
		zap.Uint64("bytes", total))
	return nil
}

func readChecksummed(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data, err := util.Unframe(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return accesserrors.CorruptedData(fmt.Sprintf("failed to decode %s", path), err)
	}
	return nil
}

// LoadManifest reads and validates a backup manifest
func LoadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := readChecksummed(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadContainerImage reads and validates one container image
func LoadContainerImage(dir string, id model.ContainerID) (*ContainerImage, error) {
	var img ContainerImage
	if err := readChecksummed(filepath.Join(dir, ContainerFile(id)), &img); err != nil {
		return nil, err
	}
	return &img, nil
}
