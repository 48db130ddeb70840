package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/devrev/pairdb/store-access/internal/cache"
	"github.com/devrev/pairdb/store-access/internal/conglomid"
	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/locking"
	"github.com/devrev/pairdb/store-access/internal/metrics"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/registry"
	"github.com/devrev/pairdb/store-access/internal/security"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/btree"
	"github.com/devrev/pairdb/store-access/internal/storage/heap"
	"github.com/devrev/pairdb/store-access/internal/storage/rowcodec"
	"github.com/devrev/pairdb/store-access/internal/storage/sorter"
	"github.com/devrev/pairdb/store-access/internal/util/workerpool"
	"github.com/devrev/pairdb/store-access/internal/validation"
)

// PropertyTerritory selects the locale of territory based collation
const PropertyTerritory = "territory"

// propertyCreateFinished marks a database whose creation completed
const propertyCreateFinished = "derby.storage.createFinished"

// Config holds access manager configuration
type Config struct {
	NodeID            string
	Cache             cache.Config
	Territory         string
	PostCommitWorkers int
	PostCommitQueue   int
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns the default access manager configuration
func DefaultConfig() Config {
	return Config{
		Cache:             cache.DefaultConfig(),
		Territory:         "en",
		PostCommitWorkers: 2,
		PostCommitQueue:   256,
		ShutdownTimeout:   10 * time.Second,
	}
}

// AccessManager is the entry point of the access layer. It boots the
// registry, cache and locking policies, allocates conglomerate ids, hands
// out sessions and runs the administrative operations of the database.
type AccessManager struct {
	cfg        Config
	raw        rawstore.RawStore
	authorizer security.Authorizer
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *zap.Logger

	registry *registry.Registry
	cache    *cache.ConglomerateCache
	ids      *conglomid.Allocator
	policies atomic.Pointer[locking.PolicyTable]
	cmp      *rowcodec.Comparator

	props            *propertyStore
	propValidatorsMu sync.RWMutex
	propValidators   []PropertyValidator

	postCommit *workerpool.WorkerPool
	pending    sync.WaitGroup

	booted atomic.Bool
	frozen atomic.Bool
}

// New creates an access manager over raw. A nil authorizer allows every
// administrative operation.
func New(cfg Config, raw rawstore.RawStore, authorizer security.Authorizer, m *metrics.Metrics, logger *zap.Logger) *AccessManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if authorizer == nil {
		authorizer = security.AllowAll{}
	}
	am := &AccessManager{
		cfg:        cfg,
		raw:        raw,
		authorizer: authorizer,
		validator:  validation.NewValidator(),
		metrics:    m,
		logger:     logger,
		registry:   registry.New(logger),
	}
	am.props = &propertyStore{am: am}
	am.propValidators = []PropertyValidator{
		am.cryptoGuard,
		booleanProperty(model.PropertyRowLocking),
		durationProperty(model.PropertyDeadlockTimeout),
		durationProperty(model.PropertyLockWaitTimeout),
	}
	return am
}

// Boot starts the access layer. With create the id sequence starts fresh;
// otherwise it is seeded from the raw store on first allocation.
func (am *AccessManager) Boot(ctx context.Context, create bool, props model.Properties) (err error) {
	if am.booted.Load() {
		return accesserrors.BootFailed("access manager is already booted", nil)
	}
	props = props.Clone()
	am.registry.SetProperties(props)

	am.cmp = rowcodec.NewComparator(am.territory(props))
	if err := am.registry.Register(heap.NewFactory(am.cmp, am.logger)); err != nil {
		return accesserrors.BootFailed("failed to register heap factory", err)
	}
	if err := am.registry.Register(btree.NewFactory(am.cmp, am.logger)); err != nil {
		return accesserrors.BootFailed("failed to register btree factory", err)
	}
	am.registry.RegisterLoader(sorter.ImplementationType, sorter.NewLoader(am.cmp, am.logger))

	if err := am.raw.Boot(ctx, create, props); err != nil {
		return accesserrors.BootFailed("failed to boot raw store", err)
	}
	defer func() {
		if err != nil {
			if stopErr := am.raw.Stop(ctx); stopErr != nil {
				am.logger.Error("Failed to stop raw store after boot failure", zap.Error(stopErr))
			}
		}
	}()

	c, err := cache.New(am.cfg.Cache, am.logger, am.metrics)
	if err != nil {
		return accesserrors.BootFailed("failed to create conglomerate cache", err)
	}
	am.cache = c
	am.ids = conglomid.NewAllocator(c.Locker(), am.raw.MaxContainerID)
	if create {
		am.ids.Seed(1)
	}

	// properties are not readable yet, so the first table is table level
	table, err := locking.Build(am.raw.NewLockingPolicy, model.GranularityTable)
	if err != nil {
		return accesserrors.BootFailed("failed to build locking policies", err)
	}
	am.policies.Store(table)

	am.postCommit = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "post-commit",
		MaxWorkers: am.cfg.PostCommitWorkers,
		QueueSize:  am.cfg.PostCommitQueue,
		Logger:     am.logger,
	})
	defer func() {
		if err != nil {
			_ = am.postCommit.Stop(am.cfg.ShutdownTimeout)
		}
	}()

	floor, err := am.bootProperties(create, props)
	if err != nil {
		return accesserrors.BootFailed("failed to boot properties", err)
	}
	rebuilt, err := table.WithFloor(floor)
	if err != nil {
		return accesserrors.BootFailed("failed to apply system lock granularity", err)
	}
	am.policies.Store(rebuilt)

	if !create {
		if v, _ := am.raw.ServiceProperty(propertyCreateFinished); v != "true" {
			am.logger.Warn("Booting a database whose creation did not finish")
		}
	}

	am.booted.Store(true)
	am.logger.Info("Access manager booted",
		zap.Bool("create", create),
		zap.Bool("read_only", am.raw.IsReadOnly()),
		zap.String("lock_granularity", floor.String()),
		zap.Strings("implementations", am.registry.Implementations()))
	return nil
}

func (am *AccessManager) territory(props model.Properties) language.Tag {
	name := props.GetDefault(PropertyTerritory, am.cfg.Territory)
	if name == "" {
		return language.English
	}
	tag, err := language.Parse(name)
	if err != nil {
		am.logger.Warn("Unknown territory, using English collation",
			zap.String("territory", name),
			zap.Error(err))
		return language.English
	}
	return tag
}

// bootProperties opens the property conglomerate, creating it for a new
// database, and reads the system lock granularity from it. A failed lookup
// keeps the value from the boot properties.
func (am *AccessManager) bootProperties(create bool, props model.Properties) (model.Granularity, error) {
	rowLocking := props.Bool(model.PropertyRowLocking, true)

	s := am.newSession("boot")
	defer s.Close()
	t, err := s.GetTransaction("boot")
	if err != nil {
		return 0, err
	}

	if create && !am.raw.IsReadOnly() {
		if err := am.props.create(t, props); err != nil {
			return 0, err
		}
		if err := t.Commit(); err != nil {
			return 0, err
		}
	} else if err := am.props.load(); err != nil {
		return 0, err
	}

	v, ok, err := t.GetProperty(model.PropertyRowLocking)
	switch {
	case err != nil:
		am.logger.Warn("Failed to read system lock granularity, keeping boot value",
			zap.Bool("row_locking", rowLocking),
			zap.Error(err))
	case ok:
		rowLocking = model.Properties{model.PropertyRowLocking: v}.Bool(model.PropertyRowLocking, rowLocking)
	}
	if err := t.Commit(); err != nil {
		return 0, err
	}

	if rowLocking {
		return model.GranularityRecord, nil
	}
	return model.GranularityTable, nil
}

// CreateFinished records that database creation completed
func (am *AccessManager) CreateFinished() error {
	if err := am.checkBooted(); err != nil {
		return err
	}
	if err := am.raw.SetServiceProperty(propertyCreateFinished, "true"); err != nil {
		return fmt.Errorf("failed to record finished creation: %w", err)
	}
	am.logger.Info("Database creation finished")
	return nil
}

// Stop waits for post-commit work and shuts the raw store down
func (am *AccessManager) Stop(ctx context.Context) error {
	if !am.booted.CompareAndSwap(true, false) {
		return nil
	}
	if err := am.WaitForPostCommitToFinishWork(ctx); err != nil {
		am.logger.Warn("Stopping with post-commit work outstanding", zap.Error(err))
	}
	if err := am.postCommit.Stop(am.cfg.ShutdownTimeout); err != nil {
		am.logger.Warn("Post-commit pool did not stop cleanly", zap.Error(err))
	}
	if err := am.raw.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop raw store: %w", err)
	}
	am.logger.Info("Access manager stopped")
	return nil
}

func (am *AccessManager) checkBooted() error {
	if !am.booted.Load() {
		return accesserrors.InternalError("access manager is not booted", nil)
	}
	return nil
}

// IsBooted reports whether Boot completed and Stop has not run
func (am *AccessManager) IsBooted() bool {
	return am.booted.Load()
}

// IsReadOnly reports whether the database refuses writes
func (am *AccessManager) IsReadOnly() bool {
	return am.raw.IsReadOnly()
}

// IsFrozen reports whether the database is frozen by Freeze
func (am *AccessManager) IsFrozen() bool {
	return am.frozen.Load()
}

// GetTransactionInfo returns a snapshot of the raw transactions
func (am *AccessManager) GetTransactionInfo() []model.TransactionInfo {
	return am.raw.TransactionInfo()
}

// LockGranularity returns the system wide lock granularity floor
func (am *AccessManager) LockGranularity() model.Granularity {
	return am.policyTable().Floor()
}

func (am *AccessManager) policyTable() *locking.PolicyTable {
	return am.policies.Load()
}

// RegisterFactory adds an access method under its primary name and format
func (am *AccessManager) RegisterFactory(f spi.MethodFactory) error {
	return am.registry.Register(f)
}

// RegisterModule makes an access method bootable on first use under name
func (am *AccessManager) RegisterModule(name string, loader registry.LoaderFunc) {
	am.registry.RegisterLoader(name, loader)
}

// NewSession returns a session for one logical thread of control
func (am *AccessManager) NewSession(name string) (*Session, error) {
	if err := am.checkBooted(); err != nil {
		return nil, err
	}
	return am.newSession(name), nil
}

func (am *AccessManager) conglomerateFactory(impl string) (spi.ConglomerateFactory, error) {
	mf, err := am.registry.FindByImplementation(impl)
	if err != nil {
		return nil, err
	}
	f, ok := mf.(spi.ConglomerateFactory)
	if !ok {
		return nil, accesserrors.NoFactoryForImplementation(impl)
	}
	return f, nil
}

func (am *AccessManager) sortFactory(impl string) (spi.SortFactory, error) {
	mf, err := am.registry.FindByImplementation(impl)
	if err != nil {
		return nil, err
	}
	f, ok := mf.(spi.SortFactory)
	if !ok {
		return nil, accesserrors.NoFactoryForImplementation(impl)
	}
	return f, nil
}

// SetServiceProperty validates and stores a raw store service property
func (am *AccessManager) SetServiceProperty(key, value string) error {
	if err := am.validator.ValidateProperty(key, value); err != nil {
		return err
	}
	current := model.Properties{}
	if v, ok := am.raw.ServiceProperty(key); ok {
		current[key] = v
	}
	if err := am.validateProperty(key, &value, current); err != nil {
		return err
	}
	return am.raw.SetServiceProperty(key, value)
}

// Freeze blocks every writer until Unfreeze
func (am *AccessManager) Freeze(ctx context.Context) error {
	return am.admin(ctx, security.OpFreeze, func() error {
		if err := am.raw.Freeze(ctx); err != nil {
			return err
		}
		am.frozen.Store(true)
		return nil
	})
}

// Unfreeze releases the writers blocked by Freeze
func (am *AccessManager) Unfreeze(ctx context.Context) error {
	return am.admin(ctx, security.OpUnfreeze, func() error {
		if err := am.raw.Unfreeze(ctx); err != nil {
			return err
		}
		am.frozen.Store(false)
		return nil
	})
}

// Checkpoint checkpoints the raw store and cleans the conglomerate cache
func (am *AccessManager) Checkpoint(ctx context.Context) error {
	return am.admin(ctx, security.OpCheckpoint, func() error {
		if err := am.raw.Checkpoint(ctx); err != nil {
			return err
		}
		am.cache.CleanAll()
		return nil
	})
}

// Backup copies the database to dir. Without wait it fails when
// transactions with uncommitted writes are in flight.
func (am *AccessManager) Backup(ctx context.Context, dir string, wait bool) error {
	if err := am.validator.ValidateBackupDir(dir); err != nil {
		return err
	}
	return am.admin(ctx, security.OpBackup, func() error {
		return am.raw.Backup(ctx, dir, wait)
	})
}

// BackupAndEnableLogArchiveMode backs up to dir and keeps archived logs
func (am *AccessManager) BackupAndEnableLogArchiveMode(ctx context.Context, dir string, deleteOnlineArchivedLogFiles, wait bool) error {
	if err := am.validator.ValidateBackupDir(dir); err != nil {
		return err
	}
	return am.admin(ctx, security.OpBackupAndEnableLogArchiveMode, func() error {
		return am.raw.BackupAndEnableLogArchiveMode(ctx, dir, deleteOnlineArchivedLogFiles, wait)
	})
}

// DisableLogArchiveMode stops keeping archived logs
func (am *AccessManager) DisableLogArchiveMode(ctx context.Context, deleteOnlineArchivedLogFiles bool) error {
	return am.admin(ctx, security.OpDisableLogArchiveMode, func() error {
		return am.raw.DisableLogArchiveMode(ctx, deleteOnlineArchivedLogFiles)
	})
}

// admin authorizes op and then runs fn. A rejected caller never reaches
// the raw store.
func (am *AccessManager) admin(ctx context.Context, op security.Operation, fn func() error) error {
	if err := am.checkBooted(); err != nil {
		return err
	}
	if err := am.authorizer.Authorize(ctx, op); err != nil {
		am.metrics.RecordAdminOperation(string(op), err)
		am.logger.Warn("Administrative operation not authorized",
			zap.String("operation", string(op)),
			zap.Error(err))
		return err
	}

	start := time.Now()
	err := fn()
	am.metrics.RecordAdminOperation(string(op), err)
	if err != nil {
		am.logger.Error("Administrative operation failed",
			zap.String("operation", string(op)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	am.logger.Info("Administrative operation completed",
		zap.String("operation", string(op)),
		zap.Duration("duration", time.Since(start)))
	return nil
}
