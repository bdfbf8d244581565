package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

type mockRunner struct {
	records []*neo4j.Record
	err     error
	cyphers []string
	params  []map[string]any
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return &mockResult{records: m.records}, nil
}

func (m *mockRunner) Close(ctx context.Context) error { return nil }

type entity struct {
	ID   string
	Name string
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{neo4j.Node{Labels: []string{"Entity"}, Props: map[string]any{"id": id, "name": name}}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner, opts ...Neo4jOption[entity, string]) *Neo4jRepo[entity, string] {
	repo := NewNeo4jRepo[entity, string](
		nil, "Entity",
		func(e entity) map[string]any { return map[string]any{"id": e.ID, "name": e.Name} },
		func(rec *neo4j.Record) (entity, error) {
			p, err := NodeProps(rec)
			if err != nil {
				return entity{}, err
			}
			id, _ := p["id"].(string)
			name, _ := p["name"].(string)
			return entity{ID: id, Name: name}, nil
		},
		opts...,
	)
	repo.newSession = func(ctx context.Context) runner { return r }
	return repo
}

// --- Tests ---

func TestNewNeo4jRepoDefaults(t *testing.T) {
	r := NewNeo4jRepo[entity, string](nil, "Node", nil, nil)
	if r.idKey != "id" || r.label != "Node" || r.newSession != nil {
		t.Fatalf("unexpected defaults %+v", r)
	}
	r = NewNeo4jRepo[entity, string](nil, "Node", nil, nil,
		WithIDKey[entity, string]("uuid"), WithDatabase[entity, string]("shop"))
	if r.idKey != "uuid" || r.database != "shop" {
		t.Fatalf("options not applied: %+v", r)
	}
}

func TestNewNeo4jRepoRejectsUnsafeLabel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for label with cypher syntax")
		}
	}()
	NewNeo4jRepo[entity, string](nil, "X) DETACH DELETE (m", nil, nil)
}

func TestGet(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{makeRecord("1", "Alice")}}
	e, err := newTestRepo(r).Get(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "1" || e.Name != "Alice" {
		t.Fatalf("got %+v", e)
	}
	if r.params[0]["id"] != "1" {
		t.Errorf("params = %v", r.params[0])
	}
}

func TestGetNotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).Get(context.Background(), "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunErrorsAreWrapped(t *testing.T) {
	boom := errors.New("db down")
	repo := newTestRepo(&mockRunner{err: boom})
	ctx := context.Background()

	if _, err := repo.Get(ctx, "x"); !errors.Is(err, boom) {
		t.Errorf("get: %v", err)
	}
	if _, err := repo.List(ctx, ListOpts{}); !errors.Is(err, boom) {
		t.Errorf("list: %v", err)
	}
	if _, err := repo.Create(ctx, entity{}); !errors.Is(err, boom) {
		t.Errorf("create: %v", err)
	}
	if _, err := repo.Update(ctx, entity{}); !errors.Is(err, boom) {
		t.Errorf("update: %v", err)
	}
	if err := repo.Delete(ctx, "x"); !errors.Is(err, boom) {
		t.Errorf("delete: %v", err)
	}
}

func TestListWithFilter(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{makeRecord("1", "A"), makeRecord("2", "B")}}
	items, err := newTestRepo(r).List(context.Background(), ListOpts{
		Limit:  10,
		Filter: map[string]any{"tenant": "acme", "kind": "bot"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	want := "MATCH (n:Entity) WHERE n.kind = $f_kind AND n.tenant = $f_tenant RETURN n ORDER BY n.id SKIP $offset LIMIT $limit"
	if r.cyphers[0] != want {
		t.Errorf("cypher = %q", r.cyphers[0])
	}
	if r.params[0]["f_tenant"] != "acme" || r.params[0]["limit"] != 10 {
		t.Errorf("params = %v", r.params[0])
	}
}

func TestListRejectsUnsafeFilterKey(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).List(context.Background(), ListOpts{Filter: map[string]any{"a b": 1}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestListDecodeError(t *testing.T) {
	bad := &neo4j.Record{Values: []any{"not a node"}, Keys: []string{"n"}}
	_, err := newTestRepo(&mockRunner{records: []*neo4j.Record{bad}}).List(context.Background(), ListOpts{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateAndUpdate(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{makeRecord("3", "C")}}
	repo := newTestRepo(r)
	if e, err := repo.Create(context.Background(), entity{ID: "3", Name: "C"}); err != nil || e.Name != "C" {
		t.Fatalf("create: %+v %v", e, err)
	}
	if e, err := repo.Update(context.Background(), entity{ID: "3", Name: "C"}); err != nil || e.ID != "3" {
		t.Fatalf("update: %+v %v", e, err)
	}

	empty := newTestRepo(&mockRunner{})
	if _, err := empty.Create(context.Background(), entity{}); err == nil {
		t.Error("create without returned node must fail")
	}
	if _, err := empty.Update(context.Background(), entity{ID: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestSaveCreatesWhenMissing(t *testing.T) {
	r := &mockRunner{}
	repo := newTestRepo(r)
	repo.newSession = func(ctx context.Context) runner {
		// Update finds nothing; Create returns the node.
		if len(r.cyphers) == 1 {
			r.records = []*neo4j.Record{makeRecord("9", "New")}
		}
		return r
	}
	e, err := Save[entity, string](context.Background(), repo, entity{ID: "9", Name: "New"})
	if err != nil || e.ID != "9" {
		t.Fatalf("got %+v %v", e, err)
	}
	if len(r.cyphers) != 2 {
		t.Fatalf("expected update then create, got %v", r.cyphers)
	}
}

func TestCypherGeneration(t *testing.T) {
	r := &mockRunner{records: []*neo4j.Record{makeRecord("1", "A")}}
	repo := newTestRepo(r, WithIDKey[entity, string]("vin"))

	ctx := context.Background()
	repo.Get(ctx, "ABC")
	repo.List(ctx, ListOpts{Limit: 50})
	repo.Create(ctx, entity{ID: "ABC", Name: "A"})
	repo.Update(ctx, entity{ID: "ABC", Name: "A"})
	repo.Delete(ctx, "ABC")

	expected := []string{
		"MATCH (n:Entity {vin: $id}) RETURN n",
		"MATCH (n:Entity) RETURN n ORDER BY n.vin SKIP $offset LIMIT $limit",
		"CREATE (n:Entity $props) RETURN n",
		"MATCH (n:Entity {vin: $id}) SET n = $props RETURN n",
		"MATCH (n:Entity {vin: $id}) DETACH DELETE n",
	}
	if len(r.cyphers) != len(expected) {
		t.Fatalf("got %d cyphers, want %d", len(r.cyphers), len(expected))
	}
	for i, want := range expected {
		if r.cyphers[i] != want {
			t.Errorf("[%d] got %q, want %q", i, r.cyphers[i], want)
		}
	}
}

type fakeDriver struct {
	neo4j.DriverWithContext
	config neo4j.SessionConfig
}

type fakeSession struct {
	neo4j.SessionWithContext
}

func (d *fakeDriver) NewSession(_ context.Context, cfg neo4j.SessionConfig) neo4j.SessionWithContext {
	d.config = cfg
	return &fakeSession{}
}

func TestSessionUsesDriver(t *testing.T) {
	fd := &fakeDriver{}
	r := NewNeo4jRepo[entity, string](fd, "X", nil, nil, WithDatabase[entity, string]("shop"))
	if _, ok := r.session(context.Background()).(*neo4jSessionAdapter); !ok {
		t.Fatal("expected neo4jSessionAdapter")
	}
	if fd.config.DatabaseName != "shop" {
		t.Fatalf("database = %q", fd.config.DatabaseName)
	}
}

func TestNodeProps(t *testing.T) {
	if _, err := NodeProps(nil); err == nil {
		t.Error("nil record must fail")
	}
	p, err := NodeProps(&neo4j.Record{Values: []any{map[string]any{"id": "1"}}})
	if err != nil || p["id"] != "1" {
		t.Errorf("map value: %v %v", p, err)
	}
}
