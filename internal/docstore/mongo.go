package docstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to a MongoDB deployment and selects dbName.
func OpenMongo(ctx context.Context, uri, dbName string) (Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("docstore: connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("docstore: ping mongo: %w", err)
	}
	return &mongoStore{client: client, db: client.Database(dbName)}, nil
}

func (s *mongoStore) Collection(name string) Collection {
	return &mongoCollection{coll: s.db.Collection(name), name: name}
}

func (s *mongoStore) DropCollection(ctx context.Context, name string) error {
	if err := s.db.Collection(name).Drop(ctx); err != nil {
		return fmt.Errorf("docstore: drop %s: %w", name, err)
	}
	return nil
}

func (s *mongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

type mongoCollection struct {
	coll *mongo.Collection
	name string
}

func (c *mongoCollection) Name() string { return c.name }

func (c *mongoCollection) Get(ctx context.Context, id string) (Doc, error) {
	var raw bson.M
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s/%s: %w", c.name, id, err)
	}
	return Doc(plainMap(raw)), nil
}

func (c *mongoCollection) Put(ctx context.Context, doc Doc) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("docstore: put into %s: document has no _id", c.name)
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := c.coll.ReplaceOne(ctx, bson.M{"_id": id}, map[string]interface{}(doc), opts); err != nil {
		return fmt.Errorf("docstore: put %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *mongoCollection) Delete(ctx context.Context, id string) error {
	if _, err := c.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", c.name, id, err)
	}
	return nil
}

func (c *mongoCollection) All(ctx context.Context) ([]Doc, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := c.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("docstore: iterate %s: %w", c.name, err)
	}
	defer cur.Close(ctx)

	var docs []Doc
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("docstore: decode in %s: %w", c.name, err)
		}
		docs = append(docs, Doc(plainMap(raw)))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("docstore: iterate %s: %w", c.name, err)
	}
	return docs, nil
}

func (c *mongoCollection) Clear(ctx context.Context) error {
	if _, err := c.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("docstore: clear %s: %w", c.name, err)
	}
	return nil
}

// plainMap rewrites bson container types into plain maps and slices so that
// resource code can type-assert nested values without knowing the backend.
func plainMap(m bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return plainMap(t)
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	case map[string]interface{}:
		return plainMap(bson.M(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
