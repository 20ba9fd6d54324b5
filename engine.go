// Package mailvault wires C1–C16 into a single embeddable archive engine:
// open one file, append emails into folders, search and verify them, and
// run maintenance — all behind one handle that owns the container's
// advisory lock for its whole lifetime.
package mailvault

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chartly-labs/mailvault/internal/archive"
	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/internal/cache"
	"github.com/chartly-labs/mailvault/internal/codec"
	"github.com/chartly-labs/mailvault/internal/coordinator"
	"github.com/chartly-labs/mailvault/internal/debugview"
	"github.com/chartly-labs/mailvault/internal/email"
	"github.com/chartly-labs/mailvault/internal/folder"
	"github.com/chartly-labs/mailvault/internal/hashchain"
	"github.com/chartly-labs/mailvault/internal/ids"
	"github.com/chartly-labs/mailvault/internal/index"
	"github.com/chartly-labs/mailvault/internal/keymanager"
	"github.com/chartly-labs/mailvault/internal/maintenance"
	"github.com/chartly-labs/mailvault/internal/watchfeed"
	"github.com/chartly-labs/mailvault/pkg/config"
	"github.com/chartly-labs/mailvault/pkg/telemetry"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// Engine is the archive's single entry point. All methods are safe for
// concurrent use; the underlying components each guard their own state.
type Engine struct {
	path string
	opts config.EngineOptions

	container *block.Container
	idx       *index.Store
	alloc     *ids.Allocator
	keys      *keymanager.Manager
	chain     *hashchain.Chain
	folders   *folder.Store
	coord     *coordinator.Coordinator
	writer    *email.Writer
	maint     *maintenance.Engine

	blocks *cache.BlockCache
	paths  *cache.PathLRU

	watch *watchfeed.Feed

	log *telemetry.Logger

	mu     sync.Mutex
	closed bool
	stopBg chan struct{}
	bgDone chan struct{}
}

// DebugHandler returns an http.Handler exposing C15's read-only verify/
// search/existence_proof surface against this engine's own live state.
// Callers mount it under whatever path/port they like; the engine itself
// never listens.
func (e *Engine) DebugHandler() http.Handler {
	return debugview.New(e)
}

// WatchFeed returns the engine's maintenance event broadcaster (C16).
// ServeHTTP on the returned *watchfeed.Feed upgrades a request to a
// websocket that streams MaintenanceEvents during Compact.
func (e *Engine) WatchFeed() *watchfeed.Feed {
	return e.watch
}

// Open opens (or creates) the archive at path, unlocks the key manager
// with masterKey, replays the hash chain and folder tree, and — unless
// disabled in opts — starts a background maintenance loop.
func Open(ctx context.Context, path string, masterKey []byte, opts config.EngineOptions, log *telemetry.Logger) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = telemetry.NewDefaultLogger(io.Discard, "mailvault")
	}

	c, err := block.Open(path, block.OpenOptions{Create: true})
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(path + ".idx")
	if err != nil {
		c.Close()
		return nil, err
	}
	alloc := ids.NewAllocator()
	alloc.Seed(c.BlockIDs())
	keys := keymanager.New(c, alloc)

	latestKeyBlockID, err := latestKeyManagerBlockID(ctx, c)
	if err != nil {
		idx.Close()
		c.Close()
		return nil, err
	}
	if err := keys.Unlock(ctx, masterKey, latestKeyBlockID); err != nil {
		idx.Close()
		c.Close()
		return nil, err
	}

	chain := hashchain.New(c, alloc)
	if err := chain.LoadFromContainer(ctx); err != nil {
		idx.Close()
		c.Close()
		return nil, err
	}

	folders := folder.NewStore(c, alloc, idx, keys, chain, block.EncryptionAES256GCM)
	if err := folders.LoadFromContainer(ctx); err != nil {
		idx.Close()
		c.Close()
		return nil, err
	}
	coord := coordinator.New(idx)
	writer := email.NewWriter(c, alloc, keys, chain, coord, block.EncryptionAES256GCM, opts.MaxConcurrentOperations)
	if opts.BlockSizeThreshold > 0 {
		writer.SetSizeOverride(int64(opts.BlockSizeThreshold))
	}

	maintCfg := maintenance.Config{
		MinAgeHours:              opts.MinAgeHoursForDeletion,
		BackupsToKeep:            opts.BackupsToKeep,
		KeyManagerVersionsToKeep: opts.KeyManagerVersionsToKeep,
	}
	maint := maintenance.New(maintCfg)

	var blocks *cache.BlockCache
	if opts.MaxCacheSize > 0 {
		blocks = cache.NewBlockCache(opts.MaxCacheSize)
	} else {
		blocks = cache.NewBlockCache(cache.DefaultSoftCap)
	}
	paths, err := cache.NewPathLRU(512)
	if err != nil {
		idx.Close()
		c.Close()
		return nil, err
	}

	e := &Engine{
		path:      path,
		opts:      opts,
		container: c,
		idx:       idx,
		alloc:     alloc,
		keys:      keys,
		chain:     chain,
		folders:   folders,
		coord:     coord,
		writer:    writer,
		maint:     maint,
		blocks:    blocks,
		paths:     paths,
		watch:     watchfeed.New(),
		log:       log,
	}

	if opts.EnableBackgroundMaintenance {
		e.startBackgroundMaintenance()
	}
	log.Info(ctx, "engine opened", map[string]any{"path": path})
	return e, nil
}

// latestKeyManagerBlockID scans for the most recently written TypeKeyManager
// block, so Unlock can find the current wrapped key map. 0 (meaning "none
// yet") is returned for a brand new archive. KeyManager blocks draw from
// the normal id range like everything else (spec §3), so the only way to
// find the current one is by type, not by id range.
func latestKeyManagerBlockID(ctx context.Context, c *block.Container) (int64, error) {
	var latest int64
	var latestTimestamp int64
	for _, id := range c.BlockIDs() {
		blk, err := c.Read(ctx, id)
		if err != nil {
			return 0, err
		}
		if blk.Header.Type != block.TypeKeyManager {
			continue
		}
		if latest == 0 || blk.Header.Timestamp > latestTimestamp {
			latest = id
			latestTimestamp = blk.Header.Timestamp
		}
	}
	return latest, nil
}

// Close flushes any pending batch, stops background maintenance, and
// releases the container and index handles.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.stopBg != nil {
		close(e.stopBg)
		<-e.bgDone
	}

	ctx := context.Background()
	if err := e.writer.Flush(ctx); err != nil {
		e.log.Warn(ctx, "flush on close failed", map[string]any{"error": err.Error()})
	}
	e.persistKeys(ctx)
	e.keys.Lock()

	idxErr := e.idx.Close()
	cErr := e.container.Close()
	if cErr != nil {
		return cErr
	}
	return idxErr
}

// traced stamps ctx with a per-call SpanContext (a fresh uuid TraceID
// unless the caller already attached one upstream) so every log line
// emitted during this operation — including from collaborators several
// calls deep — carries a trace_id a reader can grep for across an
// otherwise interleaved log stream.
func (e *Engine) traced(ctx context.Context, op string) context.Context {
	if _, ok := telemetry.SpanContextFromContext(ctx); ok {
		return ctx
	}
	ctx = telemetry.ContextWithSpanContext(ctx, telemetry.SpanContext{
		TraceID: uuid.NewString(),
		SpanID:  uuid.NewString(),
	})
	e.log.Debug(ctx, "op start", map[string]any{"op": op})
	return ctx
}

// persistKeys flushes the key manager's in-memory key map to a durable
// KeyManager block. Without this, keys generated for blocks written this
// run (GenerateBlockKey only touches the in-memory map) would vanish the
// moment the process exits, and the next Open's Unlock would have nothing
// newer than the last persisted snapshot to recover them from — every
// block written since would fail to decrypt. Persist failures are logged
// rather than surfaced to the caller: the keys are still good for the
// rest of this process's lifetime, and the next successful mutation (or
// Close) gets another chance to persist them.
func (e *Engine) persistKeys(ctx context.Context) {
	if _, _, err := e.keys.Persist(ctx); err != nil {
		e.log.Warn(ctx, "key manager persist failed", map[string]any{"error": err.Error()})
	}
}

// CreateFolder creates a folder at path (spec §4.7: parent must already
// exist).
func (e *Engine) CreateFolder(ctx context.Context, path string) (*folder.Folder, error) {
	ctx = e.traced(ctx, "create_folder")
	f, err := e.folders.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	e.paths.Invalidate(path)
	e.persistKeys(ctx)
	return f, nil
}

// DeleteFolder deletes the folder at path; recursive mirrors C7's
// recursive flag for non-empty folders.
func (e *Engine) DeleteFolder(ctx context.Context, path string, recursive bool) error {
	ctx = e.traced(ctx, "delete_folder")
	id, ok := e.folders.FolderIDForPath(path)
	if !ok {
		return verrors.New(verrors.NotFound, "engine.delete_folder", "no folder at path")
	}
	if err := e.folders.Delete(ctx, id, recursive); err != nil {
		return err
	}
	e.paths.Invalidate(path)
	e.persistKeys(ctx)
	return nil
}

// MoveFolder moves the folder at srcPath to become a child of dstParentPath.
func (e *Engine) MoveFolder(ctx context.Context, srcPath, dstParentPath string) error {
	ctx = e.traced(ctx, "move_folder")
	id, ok := e.folders.FolderIDForPath(srcPath)
	if !ok {
		return verrors.New(verrors.NotFound, "engine.move_folder", "no folder at src path")
	}
	parentID, ok := e.folders.FolderIDForPath(dstParentPath)
	if !ok {
		return verrors.New(verrors.NotFound, "engine.move_folder", "no folder at dst parent path")
	}
	if err := e.folders.Move(ctx, id, parentID); err != nil {
		return err
	}
	e.paths.Invalidate(srcPath)
	e.persistKeys(ctx)
	return nil
}

// RenameFolder renames the leaf segment of the folder at path.
func (e *Engine) RenameFolder(ctx context.Context, path, newLeafName string) error {
	ctx = e.traced(ctx, "rename_folder")
	id, ok := e.folders.FolderIDForPath(path)
	if !ok {
		return verrors.New(verrors.NotFound, "engine.rename_folder", "no folder at path")
	}
	if err := e.folders.Rename(ctx, id, newLeafName); err != nil {
		return err
	}
	e.paths.Invalidate(path)
	e.persistKeys(ctx)
	return nil
}

// AppendEmail writes raw into the batch writer, deduplicating on
// envelope_hash, then links the resulting compound key into folderPath's
// envelope list (spec §4.6 + §4.7 composed: the writer never knows about
// folders, and the folder store never knows about batches).
func (e *Engine) AppendEmail(ctx context.Context, folderPath string, env email.Envelope, raw []byte) (email.EmailRef, error) {
	ctx = e.traced(ctx, "append_email")
	folderID, ok := e.folders.FolderIDForPath(folderPath)
	if !ok {
		return email.EmailRef{}, verrors.New(verrors.NotFound, "engine.append_email", "no folder at path")
	}
	ref, err := e.writer.AppendEmail(ctx, env, raw)
	if err != nil {
		return email.EmailRef{}, err
	}
	fe := folder.EmailEnvelope{
		Subject:        env.Subject,
		From:           env.From,
		To:             env.To,
		Date:           env.Date,
		Size:           env.Size,
		HasAttachments: env.HasAttachments,
		EnvelopeHash:   email.EnvelopeHash(env),
		CompoundID:     ref.CompoundKey,
	}
	if err := e.folders.AddEmail(ctx, folderID, fe); err != nil {
		return email.EmailRef{}, err
	}
	e.paths.Invalidate(folderPath)
	e.persistKeys(ctx)
	return ref, nil
}

// MoveEmail moves an already-stored email between two folders.
func (e *Engine) MoveEmail(ctx context.Context, compoundKey, fromPath, toPath string) error {
	ctx = e.traced(ctx, "move_email")
	fromID, ok := e.folders.FolderIDForPath(fromPath)
	if !ok {
		return verrors.New(verrors.NotFound, "engine.move_email", "no folder at from path")
	}
	toID, ok := e.folders.FolderIDForPath(toPath)
	if !ok {
		return verrors.New(verrors.NotFound, "engine.move_email", "no folder at to path")
	}
	if err := e.folders.MoveEmail(ctx, compoundKey, fromID, toID); err != nil {
		return err
	}
	e.paths.Invalidate(fromPath)
	e.paths.Invalidate(toPath)
	e.persistKeys(ctx)
	return nil
}

// Flush forces the batch writer to durably write any partially-filled
// batch, rather than waiting for the adaptive size target.
func (e *Engine) Flush(ctx context.Context) error {
	ctx = e.traced(ctx, "flush")
	if err := e.writer.Flush(ctx); err != nil {
		return err
	}
	e.persistKeys(ctx)
	return nil
}

// Verify runs C10's integrity check directly against the engine's own
// live container and chain (never opening a second handle onto the same
// file, since the advisory lock is already held for the engine's
// lifetime).
func (e *Engine) Verify(ctx context.Context) (archive.Report, error) {
	ctx = e.traced(ctx, "verify")
	return archive.VerifyContainer(ctx, e.container, e.chain)
}

// Search runs C10's search against the engine's own live coordinator.
func (e *Engine) Search(ctx context.Context, criteria archive.Criteria) ([]archive.Hit, error) {
	ctx = e.traced(ctx, "search")
	return archive.SearchIndex(ctx, e.coord, e.idx, criteria)
}

// ExistenceProof runs C10's existence_proof against the engine's own live
// chain.
func (e *Engine) ExistenceProof(ctx context.Context, blockID int64) (archive.Proof, error) {
	ctx = e.traced(ctx, "existence_proof")
	return archive.ExistenceProofFor(ctx, e.chain, blockID)
}

// Compact runs one maintenance cycle (spec §4.9) against the live
// archive, wiring a RescanFunc that replays every EmailBatch block
// through the Index Coordinator after the swap, so the message_id/
// envelope_hash/content_hash/full-text indexes stay in sync with the
// post-compaction container.
func (e *Engine) Compact(ctx context.Context) (maintenance.Report, error) {
	ctx = e.traced(ctx, "compact")
	e.watch.Publish(watchfeed.Event{Kind: watchfeed.EventCompactionStarted, At: time.Now()})

	if err := e.writer.Flush(ctx); err != nil {
		return maintenance.Report{}, err
	}
	report, err := maintenance.Compact(ctx, e.maint, e.path, e.container, e.idx, e.folders, e.keys,
		func(ctx context.Context, container *block.Container) error {
			return rescanCoordinator(ctx, container, e.keys, e.coord)
		})
	if err != nil {
		e.log.Warn(ctx, "compaction failed", map[string]any{"error": err.Error()})
		e.watch.Publish(watchfeed.Event{Kind: watchfeed.EventCompactionFailed, Detail: err.Error(), At: time.Now()})
		return maintenance.Report{}, err
	}

	// Compact renamed a freshly-rebuilt file over e.path; the container's
	// open file descriptor still points at the now-orphaned pre-compaction
	// data until it's reopened. Every other collaborator (chain, folders,
	// writer, keys) shares this same *block.Container pointer, so this one
	// call refreshes all of them.
	if err := e.container.Reopen(); err != nil {
		return maintenance.Report{}, err
	}
	e.alloc.Seed(e.container.BlockIDs())
	e.blocks = cache.NewBlockCache(e.opts.MaxCacheSize)
	e.persistKeys(ctx)
	e.log.Info(ctx, "compaction complete", map[string]any{
		"blocks_deleted": report.BlocksDeleted,
		"blocks_kept":    report.BlocksKept,
	})
	e.watch.Publish(watchfeed.Event{
		Kind:   watchfeed.EventCompactionFinished,
		Detail: fmt.Sprintf("kept=%d deleted=%d", report.BlocksKept, report.BlocksDeleted),
		At:     time.Now(),
	})
	return report, nil
}

func (e *Engine) startBackgroundMaintenance() {
	e.stopBg = make(chan struct{})
	e.bgDone = make(chan struct{})
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	sweepInterval := e.opts.CacheCleanupInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	go func() {
		defer close(e.bgDone)
		maintTicker := time.NewTicker(interval)
		defer maintTicker.Stop()
		sweepTicker := time.NewTicker(sweepInterval)
		defer sweepTicker.Stop()
		for {
			select {
			case <-e.stopBg:
				return
			case <-sweepTicker.C:
				e.blocks.Sweep()
			case <-maintTicker.C:
				if e.container.Size() < e.opts.CompactionThresholdBytes {
					continue
				}
				ctx := context.Background()
				if _, err := e.Compact(ctx); err != nil {
					e.log.Warn(ctx, "background compaction failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
}

// rescanCoordinator replays every EmailBatch block's plaintext back
// through the coordinator, rebuilding message_id/envelope_hash/
// content_hash/full-text/metadata indexes after compaction's container
// swap. Subject/From/To/MessageID are recovered with parseHeadersBestEffort
// rather than the full external MIME parser (spec §6's collaborator
// contract) — good enough to make indexes searchable again immediately,
// though a caller that needs byte-exact original headers restored should
// re-run the real MIME parser over DecodeBatchPayload's raw bytes instead.
func rescanCoordinator(ctx context.Context, container *block.Container, keys *keymanager.Manager, coord *coordinator.Coordinator) error {
	for _, id := range container.BlockIDs() {
		blk, err := container.Read(ctx, id)
		if err != nil {
			return err
		}
		if blk.Header.Type != block.TypeEmailBatch {
			continue
		}
		keyEntry, err := keys.GetBlockKey(id)
		if err != nil {
			return err
		}
		compression, encryption, _ := block.UnpackFlags(blk.Header.Flags)
		payload, err := codec.Decode(compression, encryption, keyEntry.Key, keyEntry.Salt, id, blk.Payload)
		if err != nil {
			return err
		}
		decoded, err := email.DecodeBatchPayload(payload)
		if err != nil {
			return err
		}
		entries := make([]email.IndexEntry, len(decoded))
		for i, d := range decoded {
			messageID, subject, from, to, date := parseHeadersBestEffort(d.Raw)
			entries[i] = email.IndexEntry{
				LocalID:      d.LocalID,
				MessageID:    messageID,
				EnvelopeHash: d.EnvelopeHash,
				ContentHash:  d.ContentHash,
				Envelope: email.Envelope{
					MessageID: messageID,
					Subject:   subject,
					From:      from,
					To:        to,
					Date:      date,
					Size:      int64(len(d.Raw)),
				},
				BodyText: email.ExtractBodyText(d.Raw),
			}
		}
		if err := coord.RecordBatch(ctx, id, entries); err != nil {
			return err
		}
	}
	return nil
}

// parseHeadersBestEffort scans the header block of an RFC 5322 message
// for Message-ID/Subject/From/To/Date, stopping at the first blank line.
// It is intentionally not a full MIME parser (folded headers, encoded
// words, and comments are not unwrapped) — just enough to keep search
// usable immediately after a compaction-triggered rescan.
func parseHeadersBestEffort(raw []byte) (messageID, subject, from, to string, date time.Time) {
	s := string(raw)
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		s = s[:i]
	} else if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for _, line := range lines {
		if idx := strings.Index(line, ":"); idx > 0 {
			key := strings.ToLower(strings.TrimSpace(line[:idx]))
			val := strings.TrimSpace(line[idx+1:])
			switch key {
			case "message-id":
				messageID = val
			case "subject":
				subject = val
			case "from":
				from = val
			case "to":
				to = val
			case "date":
				if t, err := time.Parse(time.RFC1123Z, val); err == nil {
					date = t
				}
			}
		}
	}
	return messageID, subject, from, to, date
}
