// Package mongo provides MongoDB implementations of the run, node, and agent
// stores.
//
// Run transitions and node assignment accounting rely on conditional
// single-document updates (FindOneAndUpdate with a guard filter), so the
// state machine and capacity invariants hold even with multiple control
// plane replicas sharing the database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/skyhook-ai/skyhook/controlplane/store"
	"github.com/skyhook-ai/skyhook/node"
	"github.com/skyhook-ai/skyhook/run"
)

const (
	defaultDatabase        = "skyhook"
	runsCollection         = "runs"
	nodesCollection        = "nodes"
	agentsCollection       = "agents"
	defaultOpTimeout       = 5 * time.Second
	controlPlaneClientName = "controlplane-mongo"
)

// Options configures the MongoDB stores.
type Options struct {
	// Client is a connected MongoDB client. Required.
	Client *mongodriver.Client
	// Database is the database name. Defaults to "skyhook".
	Database string
	// Timeout bounds individual store operations. Defaults to 5s.
	Timeout time.Duration
}

// Stores bundles the three MongoDB-backed stores sharing one client. It
// implements health.Pinger so the control plane health check covers the
// database connection.
type Stores struct {
	Runs   *RunStore
	Nodes  *NodeStore
	Agents *AgentStore

	client *mongodriver.Client
}

var _ health.Pinger = (*Stores)(nil)

// New creates the MongoDB stores and ensures their indexes.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	database := opts.Database
	if database == "" {
		database = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(database)
	s := &Stores{
		Runs:   &RunStore{coll: db.Collection(runsCollection), timeout: timeout},
		Nodes:  &NodeStore{coll: db.Collection(nodesCollection), timeout: timeout},
		Agents: &AgentStore{coll: db.Collection(agentsCollection), timeout: timeout},
		client: opts.Client,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the dependency in health reports.
func (s *Stores) Name() string {
	return controlPlaneClientName
}

// Ping verifies the database connection.
func (s *Stores) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	runIndexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "node_id", Value: 1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}}},
	}
	if _, err := s.Runs.coll.Indexes().CreateMany(ctx, runIndexes); err != nil {
		return fmt.Errorf("mongodb ensure run indexes: %w", err)
	}
	nodeIndexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status.state", Value: 1}, {Key: "last_heartbeat", Value: 1}}},
	}
	if _, err := s.Nodes.coll.Indexes().CreateMany(ctx, nodeIndexes); err != nil {
		return fmt.Errorf("mongodb ensure node indexes: %w", err)
	}
	return nil
}

// RunStore is a MongoDB implementation of store.RunStore.
type RunStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ store.RunStore = (*RunStore)(nil)

// Insert stores a new run.
func (s *RunStore) Insert(ctx context.Context, r *run.Run) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("mongodb insert run %q: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var r run.Run
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get run %q: %w", id, err)
	}
	return &r, nil
}

// List returns runs matching the filter, newest first.
func (s *RunStore) List(ctx context.Context, filter store.RunFilter) ([]*run.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := bson.M{}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.NodeID != "" {
		query["node_id"] = filter.NodeID
	}
	if filter.AgentID != "" {
		query["agent_id"] = filter.AgentID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list runs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var runs []*run.Run
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("mongodb list runs decode: %w", err)
	}
	return runs, nil
}

// Transition conditionally moves a run to the target status. The status guard
// lives in the update filter so concurrent transitions race safely: exactly
// one writer observes a matching status.
func (s *RunStore) Transition(ctx context.Context, id string, from []run.Status, to run.Status, patch store.RunPatch) (*run.Run, error) {
	// Narrow the from-set to legal edges first so the database never
	// records a transition the state machine forbids.
	legal := make([]run.Status, 0, len(from))
	for _, f := range from {
		if run.CanTransition(f, to) {
			legal = append(legal, f)
		}
	}
	if len(legal) == 0 {
		return nil, store.ErrPrecondition
	}

	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if patch.NodeID != nil {
		set["node_id"] = *patch.NodeID
	}
	if patch.Attempts != nil {
		set["attempts"] = *patch.Attempts
	}
	for k, v := range patch.Timings {
		set["timings."+k] = v
	}
	if patch.Costs != nil {
		set["costs"] = patch.Costs
	}
	if patch.Error != nil {
		set["error"] = patch.Error
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": id, "status": bson.M{"$in": legal}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated run.Run
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&updated)
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("mongodb transition run %q to %s: %w", id, to, err)
	}
	// No document matched: either the run does not exist or its status was
	// not in the from-set. Disambiguate for the caller.
	count, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if cerr != nil {
		return nil, fmt.Errorf("mongodb transition run %q: %w", id, cerr)
	}
	if count == 0 {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrPrecondition
}

// CountByStatus returns run counts per status via a single aggregation.
func (s *RunStore) CountByStatus(ctx context.Context) (map[run.Status]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipeline := mongodriver.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodb count runs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var rows []struct {
		Status run.Status `bson:"_id"`
		Count  int        `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongodb count runs decode: %w", err)
	}
	counts := make(map[run.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (s *RunStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// NodeStore is a MongoDB implementation of store.NodeStore.
type NodeStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ store.NodeStore = (*NodeStore)(nil)

// Upsert registers or replaces a node record.
func (s *NodeStore) Upsert(ctx context.Context, n *node.Node) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": n.ID}, n, opts); err != nil {
		return fmt.Errorf("mongodb upsert node %q: %w", n.ID, err)
	}
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*node.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n node.Node
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&n)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get node %q: %w", id, err)
	}
	return &n, nil
}

// List returns all registered nodes ordered by ID.
func (s *NodeStore) List(ctx context.Context) ([]*node.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list nodes: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var nodes []*node.Node
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, fmt.Errorf("mongodb list nodes decode: %w", err)
	}
	return nodes, nil
}

// Delete removes a node.
func (s *NodeStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete node %q: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateStatus applies a heartbeat snapshot. Last write wins.
func (s *NodeStore) UpdateStatus(ctx context.Context, id string, status node.Status, at time.Time) (*node.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status": status, "last_heartbeat": at}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var n node.Node
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&n)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb heartbeat node %q: %w", id, err)
	}
	return &n, nil
}

// RecordAssignment bumps the node's counters for a new assignment. The slot
// guard lives in the filter so the declared capacity is never exceeded even
// when several dispatchers assign concurrently.
func (s *NodeStore) RecordAssignment(ctx context.Context, id string) (*node.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":                    id,
		"status.available_slots": bson.M{"$gt": 0},
		"$expr":                  bson.M{"$lt": bson.A{"$status.active_runs", "$capacity.slots"}},
	}
	update := bson.M{"$inc": bson.M{"status.active_runs": 1, "status.available_slots": -1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var n node.Node
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&n)
	if err == nil {
		return &n, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("mongodb record assignment on node %q: %w", id, err)
	}
	count, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if cerr != nil {
		return nil, fmt.Errorf("mongodb record assignment on node %q: %w", id, cerr)
	}
	if count == 0 {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrPrecondition
}

// SetState changes the node's lifecycle state.
func (s *NodeStore) SetState(ctx context.Context, id string, state node.State) (*node.Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"status.state": state}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var n node.Node
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&n)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb set node %q state: %w", id, err)
	}
	return &n, nil
}

func (s *NodeStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// AgentStore is a MongoDB implementation of store.AgentStore.
type AgentStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ store.AgentStore = (*AgentStore)(nil)

// Upsert deploys or replaces an agent version.
func (s *AgentStore) Upsert(ctx context.Context, a *store.Agent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": a.ID}, a, opts); err != nil {
		return fmt.Errorf("mongodb upsert agent %q: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an agent by ID.
func (s *AgentStore) Get(ctx context.Context, id string) (*store.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var a store.Agent
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get agent %q: %w", id, err)
	}
	return &a, nil
}

// List returns all deployed agents ordered by ID.
func (s *AgentStore) List(ctx context.Context) ([]*store.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list agents: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var agents []*store.Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("mongodb list agents decode: %w", err)
	}
	return agents, nil
}

func (s *AgentStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
