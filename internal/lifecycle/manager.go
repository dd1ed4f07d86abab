package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardline/failover/internal/cache"
	"github.com/wardline/failover/internal/core/domain"
	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/kvstore"
	"github.com/wardline/failover/internal/metrics"
)

var (
	// ErrNoBackup is returned when a server has no stored backup.
	ErrNoBackup = errors.New("no backup for server")
)

// Config controls backup retention.
type Config struct {
	// MaxBackupAge bounds how old a backup may be and still restore.
	MaxBackupAge time.Duration `yaml:"max_backup_age"`
}

// DefaultConfig returns the retention defaults.
func DefaultConfig() Config {
	return Config{MaxBackupAge: 24 * time.Hour}
}

// Preserve selects which key categories survive a selective clear.
type Preserve struct {
	Auth      bool
	Prefs     bool
	Session   bool
	Templates bool
	Offline   bool
}

// ClearOptions controls a selective clear's reach. The zero value
// clears every category in the server's own scope.
type ClearOptions struct {
	Keep Preserve

	// AllScopes extends the clear to the app-scoped entries filed
	// under the server: its cached verdicts and stored backups.
	AllScopes bool
}

// RestoreReport summarizes a completed restore.
type RestoreReport struct {
	ServerID string
	Restored int
	Dropped  int
	Migrated bool
}

// ScanReport summarizes one corruption scan pass. CorruptedKeys lists
// every entry that failed its shape check, RecoveredKeys the subset
// repaired from a backup.
type ScanReport struct {
	Scanned       int
	Corrupt       int
	Repaired      int
	Removed       int
	CorruptedKeys []string
	RecoveredKeys []string
}

// Manager owns the cached state's lifecycle: point-in-time backups,
// restores, selective clearing, corruption scans and schema migration.
type Manager struct {
	store  kvstore.Store
	maxAge time.Duration
}

// NewManager creates a lifecycle manager over the store.
func NewManager(store kvstore.Store, cfg Config) *Manager {
	if cfg.MaxBackupAge <= 0 {
		cfg.MaxBackupAge = DefaultConfig().MaxBackupAge
	}
	return &Manager{store: store, maxAge: cfg.MaxBackupAge}
}

// Backup captures every entry owned by the server into a new backup,
// stores it, and prunes older backups so one per server remains.
func (m *Manager) Backup(ctx context.Context, serverID string) (*domain.CacheBackup, kvstore.Key, error) {
	keys, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeServer, ServerID: serverID})
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "listing cached entries failed")
	}

	b := &domain.CacheBackup{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Version:   domain.SchemaVersion,
		CreatedAt: time.Now().UTC(),
	}
	skipped := 0
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
			return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "reading cached entry failed")
		}
		if !json.Valid(raw) {
			skipped++
			continue
		}
		b.Entries = append(b.Entries, domain.BackupEntry{Key: k.String(), Value: raw})
	}

	raw, err := json.Marshal(b)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "encoding backup failed")
	}
	key := kvstore.AppKey(kvstore.CategoryBackup, backupName(serverID, b.CreatedAt))
	if err := m.store.Set(ctx, key, raw); err != nil {
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "storing backup failed")
	}
	m.prune(ctx, serverID, key)

	metrics.BackupsTotal.WithLabelValues("create", "ok").Inc()
	slog.Info("Cache backup created",
		"server", serverID,
		"backup", b.ID,
		"entries", len(b.Entries),
		"skipped", skipped)
	return b, key, nil
}

// Restore replaces the server's cached entries with a backup's
// contents. Stale or structurally invalid backups are refused before
// anything is touched. A backup from an older schema version is
// migrated by clearing the server's entries and rewriting only the
// entries that still parse; the rest are dropped.
func (m *Manager) Restore(ctx context.Context, key kvstore.Key) (*RestoreReport, error) {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fault.Wrap(ErrNoBackup, fault.KindCache, "restore", "", "backup not found")
		}
		return nil, fault.Wrap(err, fault.KindCache, "restore", "", "reading backup failed")
	}

	var b domain.CacheBackup
	if err := json.Unmarshal(raw, &b); err != nil {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return nil, refusal(fault.Wrap(err, fault.KindCache, "restore", "", "backup is not parseable"))
	}
	if err := validateBackup(&b); err != nil {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return nil, refusal(fault.Wrap(err, fault.KindCache, "restore", b.ServerID, "backup is structurally invalid"))
	}
	if age := time.Since(b.CreatedAt); age >= m.maxAge {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return nil, refusal(fault.New(fault.KindCache, "restore", b.ServerID,
			fmt.Sprintf("backup is %s old, limit is %s", age.Round(time.Minute), m.maxAge)))
	}

	report := &RestoreReport{ServerID: b.ServerID, Migrated: b.Version != domain.SchemaVersion}

	type pending struct {
		key   kvstore.Key
		value []byte
	}
	var writes []pending
	for _, e := range b.Entries {
		k, err := kvstore.ParseKey(e.Key)
		if err != nil {
			metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
			return nil, refusal(fault.Wrap(err, fault.KindCache, "restore", b.ServerID, "backup entry key is malformed"))
		}
		if report.Migrated {
			if _, err := cache.OpenEnvelope(e.Value); err != nil {
				report.Dropped++
				continue
			}
		}
		writes = append(writes, pending{key: k, value: e.Value})
	}

	current, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeServer, ServerID: b.ServerID})
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return nil, fault.Wrap(err, fault.KindCache, "restore", b.ServerID, "listing cached entries failed")
	}
	for _, k := range current {
		if err := m.store.Delete(ctx, k); err != nil {
			metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
			return nil, fault.Wrap(err, fault.KindCache, "restore", b.ServerID, "clearing cached entry failed")
		}
	}
	for _, w := range writes {
		if err := m.store.Set(ctx, w.key, w.value); err != nil {
			metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
			return nil, fault.Wrap(err, fault.KindCache, "restore", b.ServerID, "writing restored entry failed")
		}
		report.Restored++
	}

	metrics.BackupsTotal.WithLabelValues("restore", "ok").Inc()
	if report.Migrated {
		metrics.BackupsTotal.WithLabelValues("migrate", "ok").Inc()
		slog.Info("Cache backup migrated",
			"server", b.ServerID,
			"from_version", b.Version,
			"restored", report.Restored,
			"dropped", report.Dropped)
	} else {
		slog.Info("Cache backup restored",
			"server", b.ServerID,
			"backup", b.ID,
			"restored", report.Restored)
	}
	return report, nil
}

// EnsureVersion compares the stored schema marker to the current
// version. On mismatch every server-scoped entry is cleared rather
// than reinterpreted, and the marker is rewritten. A missing marker is
// written without clearing anything.
func (m *Manager) EnsureVersion(ctx context.Context) (bool, error) {
	key := kvstore.AppKey(kvstore.CategoryMeta, "schema_version")
	raw, err := m.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return false, fault.Wrap(err, fault.KindCache, "migrate", "", "reading schema marker failed")
	}

	present := err == nil
	stored := 0
	if present {
		if jsonErr := json.Unmarshal(raw, &stored); jsonErr != nil {
			// Unreadable marker: the prior layout is unknown, treat
			// it as a mismatch.
			stored = -1
		}
	}
	if stored == domain.SchemaVersion {
		return false, nil
	}

	if present {
		keys, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeServer})
		if err != nil {
			return false, fault.Wrap(err, fault.KindCache, "migrate", "", "listing cached entries failed")
		}
		for _, k := range keys {
			if err := m.store.Delete(ctx, k); err != nil {
				return false, fault.Wrap(err, fault.KindCache, "migrate", "", "clearing cached entry failed")
			}
		}
		slog.Warn("Cache schema changed, cleared cached entries",
			"from_version", stored,
			"to_version", domain.SchemaVersion,
			"cleared", len(keys))
		metrics.BackupsTotal.WithLabelValues("migrate", "ok").Inc()
	}

	marker, err := json.Marshal(domain.SchemaVersion)
	if err != nil {
		return false, fault.Wrap(err, fault.KindCache, "migrate", "", "encoding schema marker failed")
	}
	if err := m.store.Set(ctx, key, marker); err != nil {
		return false, fault.Wrap(err, fault.KindCache, "migrate", "", "writing schema marker failed")
	}
	return present, nil
}

// Collect snapshots one category of the server's entries into memory,
// keyed by entry name. The snapshot survives a later clear of the
// server and feeds Apply.
func (m *Manager) Collect(ctx context.Context, serverID string, category kvstore.Category) (map[string][]byte, error) {
	keys, err := m.store.List(ctx, kvstore.Prefix{
		Scope:    kvstore.ScopeServer,
		ServerID: serverID,
		Category: category,
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.KindCache, "carryover", serverID, "listing entries failed")
	}
	entries := make(map[string][]byte, len(keys))
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return nil, fault.Wrap(err, fault.KindCache, "carryover", serverID, "reading entry failed")
		}
		entries[k.Name] = raw
	}
	return entries, nil
}

// Apply writes collected entries under the server's scope, overwriting
// same-named entries. It returns how many were written.
func (m *Manager) Apply(ctx context.Context, serverID string, category kvstore.Category, entries map[string][]byte) (int, error) {
	written := 0
	for name, raw := range entries {
		if err := m.store.Set(ctx, kvstore.ServerKey(serverID, category, name), raw); err != nil {
			return written, fault.Wrap(err, fault.KindCache, "carryover", serverID, "writing entry failed")
		}
		written++
	}
	return written, nil
}

// CarryOver copies the listed categories from one server's scope to
// another's, so user preferences follow a switch. Existing entries on
// the destination are overwritten.
func (m *Manager) CarryOver(ctx context.Context, fromID, toID string, categories ...kvstore.Category) (int, error) {
	copied := 0
	for _, category := range categories {
		entries, err := m.Collect(ctx, fromID, category)
		if err != nil {
			return copied, err
		}
		n, err := m.Apply(ctx, toID, category, entries)
		copied += n
		if err != nil {
			return copied, err
		}
	}
	if copied > 0 {
		slog.Info("Entries carried over", "from", fromID, "to", toID, "count", copied)
	}
	return copied, nil
}

// LatestBackup returns the newest stored backup for the server.
func (m *Manager) LatestBackup(ctx context.Context, serverID string) (*domain.CacheBackup, kvstore.Key, error) {
	keys, err := m.backupKeys(ctx, serverID)
	if err != nil {
		return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "listing backups failed")
	}
	if len(keys) == 0 {
		return nil, kvstore.Key{}, ErrNoBackup
	}
	raw, err := m.store.Get(ctx, keys[0])
	if err != nil {
		return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "reading backup failed")
	}
	var b domain.CacheBackup
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, kvstore.Key{}, fault.Wrap(err, fault.KindCache, "backup", serverID, "backup is not parseable")
	}
	return &b, keys[0], nil
}

// SelectiveClear removes the server's cached entries except the
// categories the options preserve. With AllScopes set it also takes
// the server's app-scoped footprint: cached verdicts and stored
// backups. It returns the number of removed entries per category.
func (m *Manager) SelectiveClear(ctx context.Context, serverID string, opts ClearOptions) (map[kvstore.Category]int, error) {
	keys, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeServer, ServerID: serverID})
	if err != nil {
		return nil, fault.Wrap(err, fault.KindCache, "clear", serverID, "listing cached entries failed")
	}
	if opts.AllScopes {
		appKeys, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp})
		if err != nil {
			return nil, fault.Wrap(err, fault.KindCache, "clear", serverID, "listing app entries failed")
		}
		for _, k := range appKeys {
			if appOwnedBy(k, serverID) {
				keys = append(keys, k)
			}
		}
	}

	cleared := make(map[kvstore.Category]int)
	for _, k := range keys {
		if preserved(k.Category, opts.Keep) {
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			return cleared, fault.Wrap(err, fault.KindCache, "clear", serverID, "removing cached entry failed")
		}
		cleared[k.Category]++
	}
	slog.Info("Cache cleared selectively",
		"server", serverID,
		"removed", total(cleared),
		"all_scopes", opts.AllScopes,
		"keep_auth", opts.Keep.Auth,
		"keep_prefs", opts.Keep.Prefs,
		"keep_session", opts.Keep.Session,
		"keep_templates", opts.Keep.Templates,
		"keep_offline", opts.Keep.Offline)
	return cleared, nil
}

// CorruptionScan walks every stored entry and checks it parses.
// Server-scoped entries must carry a data+timestamp envelope; corrupt
// ones are restored from the server's latest usable backup when it
// holds a clean copy, and removed otherwise. App-scoped entries must be
// valid JSON; stored backups get the full structural check.
func (m *Manager) CorruptionScan(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{}
	backups := make(map[string]*domain.CacheBackup)

	serverKeys, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeServer})
	if err != nil {
		return nil, fault.Wrap(err, fault.KindCache, "scan", "", "listing cached entries failed")
	}
	for _, k := range serverKeys {
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return report, fault.Wrap(err, fault.KindCache, "scan", k.ServerID, "reading cached entry failed")
		}
		report.Scanned++
		if _, err := cache.OpenEnvelope(raw); err == nil {
			continue
		}
		report.Corrupt++
		report.CorruptedKeys = append(report.CorruptedKeys, k.String())
		metrics.CorruptEntriesTotal.Inc()
		if value, ok := m.replacement(ctx, backups, k); ok {
			if err := m.store.Set(ctx, k, value); err != nil {
				return report, fault.Wrap(err, fault.KindCache, "scan", k.ServerID, "repairing cached entry failed")
			}
			report.Repaired++
			report.RecoveredKeys = append(report.RecoveredKeys, k.String())
			slog.Warn("Corrupt entry repaired from backup", "key", k.String())
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			return report, fault.Wrap(err, fault.KindCache, "scan", k.ServerID, "removing corrupt entry failed")
		}
		report.Removed++
		slog.Warn("Corrupt entry removed", "key", k.String())
	}

	appKeys, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp})
	if err != nil {
		return report, fault.Wrap(err, fault.KindCache, "scan", "", "listing app entries failed")
	}
	for _, k := range appKeys {
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return report, fault.Wrap(err, fault.KindCache, "scan", "", "reading app entry failed")
		}
		report.Scanned++
		if appEntryOK(k, raw) {
			continue
		}
		report.Corrupt++
		report.CorruptedKeys = append(report.CorruptedKeys, k.String())
		metrics.CorruptEntriesTotal.Inc()
		if err := m.store.Delete(ctx, k); err != nil {
			return report, fault.Wrap(err, fault.KindCache, "scan", "", "removing corrupt entry failed")
		}
		report.Removed++
		slog.Warn("Corrupt entry removed", "key", k.String())
	}

	slog.Info("Corruption scan finished",
		"scanned", report.Scanned,
		"corrupt", report.Corrupt,
		"repaired", report.Repaired,
		"removed", report.Removed)
	return report, nil
}

// replacement looks up a clean copy of the key in the server's latest
// usable backup. Backups load lazily, one per server, and cache nil on
// failure so a broken backup is read once.
func (m *Manager) replacement(ctx context.Context, loaded map[string]*domain.CacheBackup, k kvstore.Key) ([]byte, bool) {
	b, seen := loaded[k.ServerID]
	if !seen {
		b = m.usableBackup(ctx, k.ServerID)
		loaded[k.ServerID] = b
	}
	if b == nil {
		return nil, false
	}
	want := k.String()
	for _, e := range b.Entries {
		if e.Key != want {
			continue
		}
		if _, err := cache.OpenEnvelope(e.Value); err != nil {
			return nil, false
		}
		return e.Value, true
	}
	return nil, false
}

// usableBackup returns the server's latest backup when it is current,
// fresh and structurally valid, nil otherwise.
func (m *Manager) usableBackup(ctx context.Context, serverID string) *domain.CacheBackup {
	b, _, err := m.LatestBackup(ctx, serverID)
	if err != nil {
		return nil
	}
	if validateBackup(b) != nil {
		return nil
	}
	if b.Version != domain.SchemaVersion {
		return nil
	}
	if time.Since(b.CreatedAt) >= m.maxAge {
		return nil
	}
	return b
}

// prune deletes every backup for the server except the one to keep.
func (m *Manager) prune(ctx context.Context, serverID string, keep kvstore.Key) {
	keys, err := m.backupKeys(ctx, serverID)
	if err != nil {
		slog.Warn("Pruning old backups failed", "server", serverID, "error", err)
		return
	}
	for _, k := range keys {
		if k == keep {
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			slog.Warn("Pruning old backup failed", "key", k.String(), "error", err)
			continue
		}
		metrics.BackupsTotal.WithLabelValues("prune", "ok").Inc()
	}
}

// backupKeys lists the server's backup keys, newest first.
func (m *Manager) backupKeys(ctx context.Context, serverID string) ([]kvstore.Key, error) {
	all, err := m.store.List(ctx, kvstore.Prefix{Scope: kvstore.ScopeApp, Category: kvstore.CategoryBackup})
	if err != nil {
		return nil, err
	}
	var keys []kvstore.Key
	for _, k := range all {
		if owner, _, ok := splitBackupName(k.Name); ok && owner == serverID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		_, ti, _ := splitBackupName(keys[i].Name)
		_, tj, _ := splitBackupName(keys[j].Name)
		return ti > tj
	})
	return keys, nil
}

// validateBackup checks the fields a restore depends on. Every entry
// key must decode to a server key owned by the backup's server.
func validateBackup(b *domain.CacheBackup) error {
	if b.ID == "" {
		return errors.New("backup missing id")
	}
	if b.ServerID == "" {
		return errors.New("backup missing server id")
	}
	if b.CreatedAt.IsZero() {
		return errors.New("backup missing creation time")
	}
	if b.Version <= 0 {
		return errors.New("backup missing schema version")
	}
	for _, e := range b.Entries {
		k, err := kvstore.ParseKey(e.Key)
		if err != nil {
			return fmt.Errorf("entry key %q: %w", e.Key, err)
		}
		if k.Scope != kvstore.ScopeServer || k.ServerID != b.ServerID {
			return fmt.Errorf("entry key %q not owned by server %s", e.Key, b.ServerID)
		}
		if len(e.Value) == 0 {
			return fmt.Errorf("entry %q has no value", e.Key)
		}
	}
	return nil
}

// appEntryOK checks an app-scoped value. Backups must hold a valid
// backup document, everything else just has to be JSON.
func appEntryOK(k kvstore.Key, raw []byte) bool {
	if k.Category != kvstore.CategoryBackup {
		return json.Valid(raw)
	}
	var b domain.CacheBackup
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return validateBackup(&b) == nil
}

// preserved reports whether the category survives a selective clear.
func preserved(c kvstore.Category, keep Preserve) bool {
	switch c {
	case kvstore.CategoryAuth:
		return keep.Auth
	case kvstore.CategoryPrefs:
		return keep.Prefs
	case kvstore.CategorySession:
		return keep.Session
	case kvstore.CategoryTemplates:
		return keep.Templates
	case kvstore.CategoryRecords:
		return keep.Offline
	default:
		return false
	}
}

// appOwnedBy reports whether an app-scoped key is filed under the
// server: its stored backups, plus entries named after it.
func appOwnedBy(k kvstore.Key, serverID string) bool {
	if k.Category == kvstore.CategoryBackup {
		return strings.HasPrefix(k.Name, serverID+"/")
	}
	return k.Name == serverID
}

func backupName(serverID string, at time.Time) string {
	return serverID + "/" + strconv.FormatInt(at.UnixNano(), 10)
}

func splitBackupName(name string) (serverID string, ts int64, ok bool) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], ts, true
}

// refusal marks a restore rejection as non-transient so callers do not
// retry it.
func refusal(e *fault.Error) *fault.Error {
	e.Retryable = false
	return e
}

func total(counts map[kvstore.Category]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
