package leasedb

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpmsg"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/renameio/v2/maybe"
)

// rewriteLimit is the number of appended records after which the store is
// rewritten in full from the live model, to bound file growth.
const rewriteLimit = 20

// databasePerm is the permissions for the database file.
const databasePerm fs.FileMode = 0o640

// Snapshot is the live lease model serialized by a rewrite.
type Snapshot struct {
	// DUID is the default DUID, if any.
	DUID []byte

	// Interfaces are the per-interface lease lists, in startup order.
	Interfaces []*InterfaceLeases
}

// InterfaceLeases is the part of a [Snapshot] belonging to one interface.
type InterfaceLeases struct {
	// Active is the currently bound lease, if any.  It is written after
	// Leases so that a reader reconstructing the model keeps it as the most
	// recent record.
	Active *Lease

	// Name is the interface name.
	Name string

	// Leases are the historical and fallback leases, oldest first.
	Leases []*Lease
}

// Config is the lease database configuration.
type Config struct {
	// Logger is used to log the store events.  It must not be nil.
	Logger *slog.Logger

	// Clock is used to get current time.  It must not be nil.
	Clock timeutil.Clock

	// Path is the path to the database file.  It must not be empty.
	Path string

	// DUIDPath is the path of the separate DUID file.  When empty, the DUID
	// lives in the database file only.
	DUIDPath string

	// IDFormat is the rendering hint for times in the store.
	IDFormat IDFormat
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.NotNil("Logger", conf.Logger),
		validate.NotNilInterface("Clock", conf.Clock),
		validate.NotEmpty("Path", conf.Path),
	)
}

// DB is the persistent lease store.  It is append-friendly: records
// accumulate at the end of the file until [rewriteLimit] writes, after which
// the file is rewritten from the live model.
type DB struct {
	logger   *slog.Logger
	clock    timeutil.Clock
	source   func() (snap *Snapshot)
	path     string
	duidPath string
	idFormat IDFormat
	duid     []byte
	leases   []*Lease
	writes   int
}

// New creates a new lease database.  Call [DB.Load] before using the
// accessors.
func New(conf *Config) (db *DB, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("lease db config: %w", err)
	}

	idFormat := conf.IDFormat
	if idFormat == "" {
		idFormat = IDFormatOctal
	}

	return &DB{
		logger:   conf.Logger,
		clock:    conf.Clock,
		path:     conf.Path,
		duidPath: conf.DUIDPath,
		idFormat: idFormat,
	}, nil
}

// SetSource sets the live-model callback used for rewrites.  It must be
// called before the first append.
func (db *DB) SetSource(source func() (snap *Snapshot)) {
	db.source = source
}

// DUID returns the stored default DUID, if any.
func (db *DB) DUID() (duid []byte) {
	return db.duid
}

// Leases returns the loaded leases in file order with the duplicate policy
// applied.  The caller takes ownership of the returned records.
func (db *DB) Leases() (leases []*Lease) {
	return db.leases
}

// Load reads the database file and the separate DUID file, when configured.
// A missing file is not an error.
func (db *DB) Load(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "loading lease db: %w") }()

	err = db.loadLeaseFile(ctx)
	if err != nil {
		return err
	}

	if db.duidPath == "" {
		return nil
	}

	data, err := os.ReadFile(db.duidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("reading duid file: %w", err)
	}

	duid, err := ParseDUID(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("duid file: %w", err)
	}

	db.duid = duid

	return nil
}

// loadLeaseFile parses the database file into the loaded model.
func (db *DB) loadLeaseFile(ctx context.Context) (err error) {
	file, err := os.Open(db.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading db: %w", err)
		}

		db.logger.DebugContext(ctx, "no db file found", "path", db.path)

		return nil
	}
	defer func() { err = errors.WithDeferred(err, file.Close()) }()

	var cur *Lease
	var lineNum, kept int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case line == "lease {":
			cur = &Lease{Options: dhcpmsg.NewStore()}
		case line == "}":
			if cur != nil {
				db.keepLoaded(cur)
				kept++
				cur = nil
			}
		case cur != nil:
			lineErr := parseLeaseLine(cur, line)
			if lineErr != nil {
				db.logger.WarnContext(ctx, "skipping line", "line", lineNum, slogutil.KeyError, lineErr)
			}
		case strings.HasPrefix(line, "default-duid "):
			db.parseDUIDLine(ctx, line, lineNum)
		default:
			db.logger.WarnContext(ctx, "unexpected line", "line", lineNum)
		}
	}

	err = scanner.Err()
	if err != nil {
		return fmt.Errorf("scanning db: %w", err)
	}

	db.logger.InfoContext(ctx, "loaded leases", "num", kept, "file", db.path)

	return nil
}

// parseDUIDLine parses a "default-duid" statement.
func (db *DB) parseDUIDLine(ctx context.Context, line string, lineNum int) {
	val := strings.TrimSuffix(strings.TrimPrefix(line, "default-duid "), ";")
	s, err := unquoteString(val)
	if err == nil {
		db.duid, err = ParseDUID(s)
	}

	if err != nil {
		db.logger.WarnContext(ctx, "skipping duid", "line", lineNum, slogutil.KeyError, err)
	}
}

// keepLoaded appends l to the loaded model, applying the duplicate policy:
// at most one dynamic and one static lease per (interface, address), the
// most recent record winning.
func (db *DB) keepLoaded(l *Lease) {
	for i, prev := range db.leases {
		if prev.sameRecord(l) {
			db.leases = append(db.leases[:i], db.leases[i+1:]...)

			break
		}
	}

	db.leases = append(db.leases, l)
}

// Append writes l to the tail of the database file.  With sync set, the
// write is flushed to stable storage before return; the release path
// depends on that.  Reaching the rewrite threshold triggers a full rewrite.
func (db *DB) Append(ctx context.Context, l *Lease, sync bool) (err error) {
	defer func() { err = errors.Annotate(err, "writing lease db: %w") }()

	sb := &strings.Builder{}
	writeLease(sb, l, db.idFormat)

	err = db.appendText(sb.String(), sync)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	db.writes++
	if db.writes >= rewriteLimit && db.source != nil {
		return db.Rewrite(ctx)
	}

	return nil
}

// RecordRelease collapses the time fields of l to the current time and
// writes the record with an fsync.  On failure the in-memory lease is left
// unchanged.
func (db *DB) RecordRelease(ctx context.Context, l *Lease) (err error) {
	rec := l.Clone()
	now := db.clock.Now()
	rec.Renewal, rec.Rebind, rec.Expiry = now, now, now

	err = db.Append(ctx, rec, true)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	l.Renewal, l.Rebind, l.Expiry = now, now, now

	return nil
}

// SetDUID stores duid as the default DUID and persists it.
func (db *DB) SetDUID(ctx context.Context, duid []byte) (err error) {
	defer func() { err = errors.Annotate(err, "storing duid: %w") }()

	db.duid = duid

	if db.duidPath != "" {
		err = maybe.WriteFile(db.duidPath, []byte(FormatDUID(duid)+"\n"), databasePerm)
		if err != nil {
			// Don't wrap the error since it's informative enough as is.
			return err
		}
	}

	err = db.appendText(duidLine(duid), false)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	db.writes++

	db.logger.DebugContext(ctx, "stored default duid", "duid", FormatDUID(duid))

	return nil
}

// duidLine renders the default-duid statement.
func duidLine(duid []byte) (line string) {
	return fmt.Sprintf("default-duid %s;\n", quoteString(FormatDUID(duid)))
}

// appendText appends text to the database file, creating it when absent.
func (db *DB) appendText(text string, sync bool) (err error) {
	file, err := os.OpenFile(db.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, databasePerm)
	if err != nil {
		return err
	}
	defer func() { err = errors.WithDeferred(err, file.Close()) }()

	_, err = file.WriteString(text)
	if err != nil {
		return err
	}

	if sync {
		return file.Sync()
	}

	return nil
}

// Rewrite serializes the live model into the database file, replacing it
// atomically, and resets the append counter.
func (db *DB) Rewrite(ctx context.Context) (err error) {
	defer func() { err = errors.Annotate(err, "rewriting lease db: %w") }()

	if db.source == nil {
		return errors.Error("no model source")
	}

	snap := db.source()

	sb := &strings.Builder{}
	sb.WriteString("# AdGuard DHCP lease database\n")

	if len(snap.DUID) > 0 {
		sb.WriteString(duidLine(snap.DUID))
	}

	num := 0
	for _, ifl := range snap.Interfaces {
		for _, l := range ifl.Leases {
			writeLease(sb, l, db.idFormat)
			num++
		}

		if ifl.Active != nil {
			writeLease(sb, ifl.Active, db.idFormat)
			num++
		}
	}

	err = maybe.WriteFile(db.path, []byte(sb.String()), databasePerm)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}

	db.writes = 0

	db.logger.InfoContext(ctx, "rewrote leases", "num", num, "file", db.path)

	return nil
}
