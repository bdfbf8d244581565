// Package semantic is the Qdrant-backed vector backend for tenant indexes.
// Each index generation lives in its own collection; point ids are chunk
// positions.
package semantic

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/pkg/fn"
)

const upsertBatch = 256

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	prefix      string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, prefix string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), prefix)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, prefix string) *VectorStore {
	if prefix == "" {
		prefix = "shopbot"
	}
	return &VectorStore{points: points, collections: collections, prefix: prefix}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func (v *VectorStore) Name() string { return "qdrant" }

// Collection names the collection holding generation g.
func (v *VectorStore) Collection(g corpus.Generation) string {
	return v.prefix + "_" + g.Tenant + "_" + strings.TrimPrefix(g.ID, "gen-")
}

// Write creates g's collection and upserts vectors with ids 0..n-1.
func (v *VectorStore) Write(ctx context.Context, g corpus.Generation, vectors [][]float32) error {
	name := v.Collection(g)
	if len(vectors) == 0 {
		return fmt.Errorf("semantic: write %s: no vectors", name)
	}
	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(len(vectors[0])),
					Distance: pb.Distance_Euclid,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", name, err)
	}

	positions := make([]int, len(vectors))
	for i := range positions {
		positions[i] = i
	}
	wait := true
	for _, batch := range fn.Chunk(positions, upsertBatch) {
		points := make([]*pb.PointStruct, len(batch))
		for i, pos := range batch {
			points[i] = &pb.PointStruct{
				Id: &pb.PointId{
					PointIdOptions: &pb.PointId_Num{Num: uint64(pos)},
				},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: vectors[pos]},
					},
				},
				Payload: map[string]*pb.Value{
					"tenant":     {Kind: &pb.Value_StringValue{StringValue: g.Tenant}},
					"generation": {Kind: &pb.Value_StringValue{StringValue: g.ID}},
				},
			}
		}
		if _, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("semantic: upsert %d points into %s: %w", len(points), name, err)
		}
	}
	return nil
}

// Open returns a searcher over g's collection.
func (v *VectorStore) Open(_ context.Context, g corpus.Generation) (corpus.Searcher, error) {
	return &collectionSearcher{store: v, name: v.Collection(g), n: g.Count}, nil
}

// Drop deletes g's collection.
func (v *VectorStore) Drop(ctx context.Context, g corpus.Generation) error {
	name := v.Collection(g)
	if _, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", name, err)
	}
	return nil
}

// Collections lists collections owned by tenant.
func (v *VectorStore) Collections(ctx context.Context, tenant string) ([]string, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("semantic: list collections: %w", err)
	}
	p := v.prefix + "_" + tenant + "_"
	var out []string
	for _, c := range list.GetCollections() {
		if strings.HasPrefix(c.GetName(), p) {
			out = append(out, c.GetName())
		}
	}
	return out, nil
}

type collectionSearcher struct {
	store *VectorStore
	name  string
	n     int
}

func (s *collectionSearcher) Len() int { return s.n }

// Search performs k-NN search. Qdrant reports Euclidean distance; hits are
// returned with squared distance, nearest first, ties by position.
func (s *collectionSearcher) Search(ctx context.Context, query []float32, k int) ([]corpus.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	resp, err := s.store.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.name,
		Vector:         query,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", s.name, err)
	}
	hits := make([]corpus.Hit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		d := r.GetScore()
		hits = append(hits, corpus.Hit{Position: int(r.GetId().GetNum()), Distance: d * d})
	}
	slices.SortStableFunc(hits, func(a, b corpus.Hit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return hits, nil
}
