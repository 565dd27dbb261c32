package limiter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/o-tero/requestguard/pkg/cache"
	"github.com/o-tero/requestguard/pkg/models"
	"github.com/o-tero/requestguard/pkg/utils"
)

// BlockList is the shared store of timed blocks written by every detector and
// read first on every request.
type BlockList struct {
	records *cache.BoundedCache[utils.ClientIdentity, models.BlockRecord]
	clock   cache.Clock
	logger  *zap.Logger
}

// NewBlockList creates a block list. maxBlock bounds the longest block any
// detector may issue and is used as the cache TTL.
func NewBlockList(capacity int, maxBlock time.Duration, clock cache.Clock, logger *zap.Logger) (*BlockList, error) {
	if clock == nil {
		clock = cache.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	records, err := cache.New[utils.ClientIdentity, models.BlockRecord]("blocked_identities", capacity, maxBlock, cache.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("block list: %w", err)
	}
	return &BlockList{records: records, clock: clock, logger: logger.Named("blocklist")}, nil
}

// Block records a block for d and returns it.
func (b *BlockList) Block(id utils.ClientIdentity, reason models.ReasonCode, d time.Duration) models.BlockRecord {
	rec := models.BlockRecord{Reason: reason, BlockedUntil: b.clock.Now().Add(d)}
	b.records.Set(id, rec)
	b.logger.Debug("client blocked",
		zap.String("client", utils.Fingerprint(id)),
		zap.String("reason", string(reason)),
		zap.Duration("for", d))
	return rec
}

// Check reports whether id has an active block. A record found expired is
// deleted and returned with active=false, so callers can tell a lapsed block
// from none at all (zero record).
func (b *BlockList) Check(id utils.ClientIdentity) (rec models.BlockRecord, active bool) {
	rec, ok := b.records.Get(id)
	if !ok {
		return models.BlockRecord{}, false
	}
	if !rec.Active(b.clock.Now()) {
		b.records.Delete(id)
		return rec, false
	}
	return rec, true
}

// Unblock lifts a block. Returns true if one existed.
func (b *BlockList) Unblock(id utils.ClientIdentity) bool {
	return b.records.Delete(id)
}

// Size returns the number of stored block records, expired ones included
// until swept.
func (b *BlockList) Size() int { return b.records.Size() }

// Now returns the block list's clock reading.
func (b *BlockList) Now() time.Time { return b.clock.Now() }

// Store exposes the record cache for sweeping and stats.
func (b *BlockList) Store() cache.Store { return b.records }
