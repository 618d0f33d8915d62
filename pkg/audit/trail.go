package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit/archive"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// entryPrefix namespaces entry keys; the zero-padded sequence keeps
// lexicographic order equal to numeric order.
const entryPrefix = "entry/"

// Config contains audit trail configuration.
type Config struct {
	// Path is the badger directory. Defaults to
	// $XDG_CONFIG_HOME/ciris/audit.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Archive configures the optional S3 segment archiver.
	Archive archive.Config `mapstructure:"archive" yaml:"archive,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".config")
		}
		c.Path = filepath.Join(configDir, "ciris", "audit")
	}
	c.Archive.ApplyDefaults()
}

// Trail is the badger-backed audit log. Appends are serialized so the
// hash chain never forks; reads run concurrently under badger's MVCC.
type Trail struct {
	db  *badger.DB
	clk clock.Clock

	// mu serializes Record so sequence and chain stay consistent.
	mu       sync.Mutex
	seq      uint64
	lastHash string

	archiver *archive.Archiver
	stopCh   chan struct{}
	loopDone chan struct{}

	closed atomic.Bool
}

// Open opens (or creates) the trail at cfg.Path and recovers the chain
// head. When archiving is enabled, a background loop flushes JSONL
// segments to S3 on the configured interval.
func Open(ctx context.Context, cfg Config, clk clock.Clock) (*Trail, error) {
	cfg.ApplyDefaults()

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}

	t := &Trail{
		db:       db,
		clk:      clk,
		lastHash: genesisHash,
	}

	if err := t.recoverHead(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Archive.Enabled {
		archiver, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to start audit archiver: %w", err)
		}
		t.archiver = archiver
		t.stopCh = make(chan struct{})
		t.loopDone = make(chan struct{})
		go t.archiveLoop(cfg.Archive.Interval)
	}

	logger.Info("Audit trail opened",
		logger.KeyComponent, "audit",
		logger.KeyCount, t.seq)
	return t, nil
}

// recoverHead loads the newest entry to resume the chain.
func (t *Trail) recoverHead() error {
	return t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.Reverse = true
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the last possible key.
		it.Seek([]byte(entryPrefix + "~"))
		if !it.ValidForPrefix([]byte(entryPrefix)) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("failed to decode audit head: %w", err)
			}
			t.seq = e.Sequence
			t.lastHash = e.Hash
			return nil
		})
	})
}

// Record appends one entry, assigning its sequence, timestamp, and
// chain hashes. The returned entry is the persisted form.
func (t *Trail) Record(ctx context.Context, e Entry) (*Entry, error) {
	if t.closed.Load() {
		return nil, ErrTrailClosed
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartAuditSpan(ctx, "record",
		telemetry.AuditAction(e.Action))
	defer span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	e.Sequence = t.seq + 1
	e.Timestamp = t.clk.NowISO()
	e.PrevHash = t.lastHash
	e.Hash = computeHash(&e)

	data, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit entry: %w", err)
	}

	err = t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Sequence), data)
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}

	t.seq = e.Sequence
	t.lastHash = e.Hash
	span.SetAttributes(telemetry.AuditSequence(e.Sequence))

	if t.archiver != nil {
		t.archiver.Append(e.Sequence, data)
	}

	logger.Debug("Audit entry recorded",
		logger.KeyComponent, "audit",
		"action", e.Action,
		"sequence", e.Sequence)
	return &e, nil
}

// Tail returns the newest n entries in chain order, oldest first.
// Fewer than n exist: all of them. n <= 0: none.
func (t *Trail) Tail(ctx context.Context, n int) ([]*Entry, error) {
	if t.closed.Load() {
		return nil, ErrTrailClosed
	}
	if n <= 0 {
		return nil, nil
	}

	var entries []*Entry
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.Reverse = true
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(entryPrefix + "~")); it.ValidForPrefix([]byte(entryPrefix)) && len(entries) < n; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("failed to decode audit entry: %w", err)
				}
				entries = append(entries, &e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reverse into chain order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Verify walks the whole chain, recomputing every hash and checking
// every link. It returns the number of verified entries; a mismatch
// returns an error wrapping ErrChainBroken naming the first bad
// sequence.
func (t *Trail) Verify(ctx context.Context) (uint64, error) {
	if t.closed.Load() {
		return 0, ErrTrailClosed
	}

	var verified uint64
	prevHash := genesisHash

	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte(entryPrefix)); it.Next() {
			if verified%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("failed to decode audit entry: %w", err)
			}

			if e.Sequence != verified+1 {
				return fmt.Errorf("%w: sequence gap at %d (expected %d)", ErrChainBroken, e.Sequence, verified+1)
			}
			if e.PrevHash != prevHash {
				return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Sequence)
			}
			if computeHash(&e) != e.Hash {
				return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
			}

			prevHash = e.Hash
			verified++
		}
		return nil
	})
	if err != nil {
		return verified, err
	}
	return verified, nil
}

// Sequence returns the sequence of the newest entry, 0 when empty.
func (t *Trail) Sequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Name identifies the trail as a service provider.
func (t *Trail) Name() string { return "audit:badger" }

// IsHealthy reports whether badger can still open a read transaction.
func (t *Trail) IsHealthy(ctx context.Context) bool {
	if t.closed.Load() {
		return false
	}
	if err := ctx.Err(); err != nil {
		return false
	}
	return t.db.View(func(*badger.Txn) error { return nil }) == nil
}

// Stop flushes the archiver and closes the database. Idempotent.
func (t *Trail) Stop(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	if t.archiver != nil {
		close(t.stopCh)
		<-t.loopDone
		if err := t.archiver.Close(ctx); err != nil {
			logger.Warn("Audit archiver close failed",
				logger.KeyComponent, "audit",
				logger.KeyError, err.Error())
		}
	}

	if err := t.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit trail: %w", err)
	}
	logger.Info("Audit trail closed",
		logger.KeyComponent, "audit")
	return nil
}

// Spec declares the trail's service registration: an audit provider in
// the core bucket with the record_entry capability.
func (t *Trail) Spec() services.Spec {
	return services.Spec{
		Type:         services.TypeAudit,
		Provider:     t,
		Priority:     services.PriorityNormal,
		Capabilities: []string{services.CapabilityRecordEntry},
		Bucket:       services.BucketCore,
	}
}

// archiveLoop flushes buffered segments on the configured interval
// until Stop quiesces it.
func (t *Trail) archiveLoop(interval time.Duration) {
	defer close(t.loopDone)

	ticker := t.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-t.archiver.Full():
		case <-t.stopCh:
			return
		}
		if err := t.archiver.Flush(context.Background()); err != nil {
			logger.Warn("Audit segment flush failed",
				logger.KeyComponent, "audit",
				logger.KeyError, err.Error())
		}
	}
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, seq))
}
