// Package devremote is an in-memory implementation of the remote sync API
// for local development and end-to-end tests.
package devremote

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
	"github.com/sitesafe/fieldsync/internal/uuid"
)

// Server holds the remote state. Operations are deduplicated by opId and
// creates by localId, the way the production API behaves.
type Server struct {
	mu       sync.Mutex
	records  map[models.EntityType]map[string]*models.Record
	localIDs map[string]string
	results  map[string]remote.PushResult
	rejects  map[models.EntityType]string
	failWith int
	pushes   int
	now      func() time.Time
}

// New creates an empty Server.
func New() *Server {
	return &Server{
		records:  make(map[models.EntityType]map[string]*models.Record),
		localIDs: make(map[string]string),
		results:  make(map[string]remote.PushResult),
		rejects:  make(map[models.EntityType]string),
		now:      time.Now,
	}
}

// Reject makes every subsequent operation on entity fail with msg. An empty
// msg lifts the rejection.
func (s *Server) Reject(entity models.EntityType, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.rejects, entity)
		return
	}
	s.rejects[entity] = msg
}

// FailPushes makes the push endpoint answer with status. Zero restores
// normal behavior.
func (s *Server) FailPushes(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = status
}

// PushCount returns how many push requests were received.
func (s *Server) PushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// Seed stores rec as if it had been created on the server.
func (s *Server) Seed(entity models.EntityType, rec *models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(entity)[rec.ID] = rec.Clone()
}

// Records returns the stored rows of entity ordered by id.
func (s *Server) Records(entity models.EntityType) []*models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Record, 0, len(s.records[entity]))
	for _, rec := range s.records[entity] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) table(entity models.EntityType) map[string]*models.Record {
	t, ok := s.records[entity]
	if !ok {
		t = make(map[string]*models.Record)
		s.records[entity] = t
	}
	return t
}

func localKey(entity models.EntityType, localID string) string {
	return string(entity) + "/" + localID
}

// resolve maps a client id to the server id, when one was assigned.
func (s *Server) resolve(entity models.EntityType, id string) string {
	if serverID, ok := s.localIDs[localKey(entity, id)]; ok {
		return serverID
	}
	return id
}

// push applies a batch. The caller holds no lock.
func (s *Server) push(req *remote.PushRequest) (*remote.PushResponse, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushes++
	if s.failWith != 0 {
		return nil, s.failWith
	}

	resp := &remote.PushResponse{Results: make([]remote.PushResult, 0, len(req.Ops))}
	for _, op := range req.Ops {
		resp.Results = append(resp.Results, s.apply(op))
	}
	return resp, 0
}

func (s *Server) apply(op remote.PushOp) remote.PushResult {
	if res, ok := s.results[op.OpID]; ok {
		return res
	}
	fail := func(msg string) remote.PushResult {
		return remote.PushResult{OpID: op.OpID, Status: remote.ResultError, Error: msg}
	}

	entity, err := models.ParseEntity(op.Entity)
	if err != nil {
		return fail(err.Error())
	}
	if msg, ok := s.rejects[entity]; ok {
		return fail(msg)
	}

	var rec models.Record
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &rec); err != nil {
			return fail("invalid payload")
		}
	}

	var saved *models.Record
	switch models.OperationType(op.OpType) {
	case models.OpCreate:
		saved = s.create(entity, op.LocalID, &rec)
	case models.OpUpdate:
		saved, err = s.update(entity, s.resolve(entity, op.LocalID), &rec)
		if err != nil {
			return fail(err.Error())
		}
	case models.OpDelete:
		delete(s.table(entity), s.resolve(entity, op.LocalID))
	default:
		return fail("unknown opType " + op.OpType)
	}

	res := remote.PushResult{OpID: op.OpID, Status: remote.ResultOK}
	if saved != nil {
		res.ServerID = saved.ID
	}
	s.results[op.OpID] = res
	return res
}

func (s *Server) create(entity models.EntityType, localID string, rec *models.Record) *models.Record {
	if localID == "" {
		localID = rec.LocalClientID
	}
	if localID != "" {
		if serverID, ok := s.localIDs[localKey(entity, localID)]; ok {
			if existing, ok := s.table(entity)[serverID]; ok {
				return existing
			}
		}
	}

	now := s.now().UnixMilli()
	saved := rec.Clone()
	saved.ID = uuid.New()
	saved.LocalClientID = localID
	saved.Version = 1
	if saved.CreatedAt == 0 {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now

	s.table(entity)[saved.ID] = saved
	if localID != "" {
		s.localIDs[localKey(entity, localID)] = saved.ID
	}
	return saved
}

func (s *Server) update(entity models.EntityType, id string, rec *models.Record) (*models.Record, error) {
	existing, ok := s.table(entity)[id]
	if !ok {
		return nil, errNotFound
	}
	saved := rec.Clone()
	saved.ID = id
	saved.LocalClientID = existing.LocalClientID
	saved.CreatedAt = existing.CreatedAt
	saved.Version = existing.Version + 1
	saved.UpdatedAt = s.now().UnixMilli()
	s.table(entity)[id] = saved
	return saved, nil
}

type devError string

func (e devError) Error() string { return string(e) }

const errNotFound = devError("record not found")

// stats returns applied operation counts for the status endpoint.
func (s *Server) stats() []remote.QueueStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied, rejected := 0, 0
	for _, res := range s.results {
		if res.OK() {
			applied++
		} else {
			rejected++
		}
	}
	return []remote.QueueStat{
		{Status: "applied", Count: applied},
		{Status: "rejected", Count: rejected},
	}
}
