package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// Store is an in-memory telemetry store for single-node deployments and tests.
// Records of each robot are kept sorted by timestamp, so point and range lookups
// are a map access plus a binary search.
type Store struct {
	mu      sync.RWMutex
	byRobot map[string][]telemetry.Record
	count   int
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{byRobot: make(map[string][]telemetry.Record)}
}

// Append validates and stores a record.
func (s *Store) Append(ctx context.Context, record telemetry.Record) (telemetry.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := record.Validate(); err != nil {
		return "", err
	}
	record = cloneRecord(record)
	record.ID = telemetry.RecordID(uuid.NewString())
	record.Timestamp = record.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.byRobot[record.RobotID]
	// Insert after every record with an equal timestamp: last inserted wins ties.
	idx := sort.Search(len(records), func(i int) bool {
		return records[i].Timestamp.After(record.Timestamp)
	})
	records = append(records, telemetry.Record{})
	copy(records[idx+1:], records[idx:])
	records[idx] = record
	s.byRobot[record.RobotID] = records
	s.count++
	return record.ID, nil
}

// LatestPerRobot returns the newest record of every robot, ordered by robot id.
func (s *Store) LatestPerRobot(ctx context.Context) ([]telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]telemetry.Record, 0, len(s.byRobot))
	for _, records := range s.byRobot {
		if len(records) == 0 {
			continue
		}
		result = append(result, cloneRecord(records[len(records)-1]))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RobotID < result[j].RobotID })
	return result, nil
}

// Latest returns the newest record of one robot.
func (s *Store) Latest(ctx context.Context, robotID string) (telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.byRobot[robotID]
	if len(records) == 0 {
		return telemetry.Record{}, telemetry.ErrNotFound
	}
	return cloneRecord(records[len(records)-1]), nil
}

// History returns records of robotID with timestamp >= since, ascending.
func (s *Store) History(ctx context.Context, robotID string, since time.Time) ([]telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.byRobot[robotID]
	idx := sort.Search(len(records), func(i int) bool {
		return !records[i].Timestamp.Before(since)
	})
	result := make([]telemetry.Record, 0, len(records)-idx)
	for _, record := range records[idx:] {
		result = append(result, cloneRecord(record))
	}
	return result, nil
}

// Sweep removes records with timestamp <= cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for robotID, records := range s.byRobot {
		idx := sort.Search(len(records), func(i int) bool {
			return records[i].Timestamp.After(cutoff)
		})
		if idx == 0 {
			continue
		}
		removed += int64(idx)
		if idx == len(records) {
			delete(s.byRobot, robotID)
			continue
		}
		kept := make([]telemetry.Record, len(records)-idx)
		copy(kept, records[idx:])
		s.byRobot[robotID] = kept
	}
	s.count -= int(removed)
	return removed, nil
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// CountStored returns the number of records and robots held.
func (s *Store) CountStored(ctx context.Context) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(s.count), int64(len(s.byRobot)), nil
}

// cloneRecord copies the optional parts so stored records share no memory with callers.
func cloneRecord(record telemetry.Record) telemetry.Record {
	if record.Location != nil {
		location := *record.Location
		record.Location = &location
	}
	if record.LastError != nil {
		lastError := *record.LastError
		record.LastError = &lastError
	}
	return record
}
