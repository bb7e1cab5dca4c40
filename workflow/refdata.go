package workflow

import (
	"context"
	"fmt"

	"github.com/AIFMgroup/AIFM-sub013/models"
	"github.com/AIFMgroup/AIFM-sub013/utils"
	"github.com/redis/go-redis/v9"
)

// ReferenceDataProvider reads the per-company reference snapshot. Freshness
// is best-effort: the bootstrap process refreshes snapshots out of band, and
// a stale or missing snapshot surfaces as a guard failure, never a crash.
type ReferenceDataProvider interface {
	Snapshot(ctx context.Context, companyId string) (*models.ReferenceSnapshot, error)
}

// ErrSnapshotMissing distinguishes "no snapshot bootstrapped yet" from an
// infrastructure failure reading the cache.
type snapshotMissingError struct {
	companyId string
}

func (e *snapshotMissingError) Error() string {
	return fmt.Sprintf("no reference snapshot for company %s", e.companyId)
}

func IsSnapshotMissing(err error) bool {
	_, ok := err.(*snapshotMissingError)
	return ok
}

// RedisReferenceData reads snapshots written by the bootstrap process under
// refdata:<companyId> as JSON blobs.
type RedisReferenceData struct {
	Client *redis.Client
}

func NewRedisReferenceData(client *redis.Client) *RedisReferenceData {
	return &RedisReferenceData{Client: client}
}

func refdataKey(companyId string) string {
	return "refdata:" + companyId
}

func (p *RedisReferenceData) Snapshot(ctx context.Context, companyId string) (*models.ReferenceSnapshot, error) {
	val, err := p.Client.Get(ctx, refdataKey(companyId)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, &snapshotMissingError{companyId: companyId}
		}
		return nil, &TransientGatewayError{Op: "refdata read", Err: err}
	}
	var snapshot models.ReferenceSnapshot
	if err := utils.UnmarshalFromJSON([]byte(val), &snapshot); err != nil {
		return nil, fmt.Errorf("corrupt reference snapshot for company %s: %w", companyId, err)
	}
	return &snapshot, nil
}

// Put stores a snapshot under the company key. Used by the bootstrap loader;
// snapshots never expire, a newer load simply overwrites.
func (p *RedisReferenceData) Put(ctx context.Context, snapshot *models.ReferenceSnapshot) error {
	val, err := utils.MarshalToJSON(snapshot)
	if err != nil {
		return err
	}
	return p.Client.Set(ctx, refdataKey(snapshot.CompanyId), val, 0).Err()
}

// StaticReferenceData serves fixed snapshots. Used by tests and local runs.
type StaticReferenceData struct {
	Snapshots map[string]*models.ReferenceSnapshot
}

func (p *StaticReferenceData) Snapshot(ctx context.Context, companyId string) (*models.ReferenceSnapshot, error) {
	snapshot, ok := p.Snapshots[companyId]
	if !ok {
		return nil, &snapshotMissingError{companyId: companyId}
	}
	return snapshot, nil
}
