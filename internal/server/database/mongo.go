package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoFile is the document layout of a file record.
type mongoFile struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Name        string             `bson:"name"`
	Filename    string             `bson:"filename"`
	Size        int64              `bson:"size"`
	Type        string             `bson:"type"`
	ContentType string             `bson:"mime"`
	Owner       string             `bson:"owner"`
	CreatedAt   time.Time          `bson:"date"`
	StoragePath string             `bson:"filePath,omitempty"`
	Checksum    string             `bson:"checksum,omitempty"`
	Events      []string           `bson:"events"`
}

func (d *mongoFile) record() FileRecord {
	events := d.Events
	if events == nil {
		events = []string{}
	}
	return FileRecord{
		ID:          d.ID.Hex(),
		Name:        d.Name,
		Filename:    d.Filename,
		Size:        d.Size,
		Type:        d.Type,
		ContentType: d.ContentType,
		Owner:       d.Owner,
		CreatedAt:   d.CreatedAt.UTC(),
		StoragePath: d.StoragePath,
		Checksum:    d.Checksum,
		Events:      events,
	}
}

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	client  *mongo.Client
	details *mongo.Collection
}

// NewMongoStore connects to uri and uses the given database and collection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	slog.Info("connected to mongo", "database", database, "collection", collection)
	return &MongoStore{
		client:  client,
		details: client.Database(database).Collection(collection),
	}, nil
}

// EnsureIndexes creates the text index over name and filename plus the
// lookup indexes. It must complete before text queries are issued.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.details.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: "text"}, {Key: "filename", Value: "text"}}},
		{Keys: bson.D{{Key: "events", Value: 1}}},
		{Keys: bson.D{{Key: "owner", Value: 1}}},
		{Keys: bson.D{{Key: "filePath", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (m *MongoStore) ValidID(id string) bool {
	return primitive.IsValidObjectID(id)
}

func (m *MongoStore) objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return oid, nil
}

func (m *MongoStore) Create(ctx context.Context, file NewFile) (string, error) {
	res, err := m.details.InsertOne(ctx, mongoFile{
		Name:        file.Name,
		Filename:    file.Filename,
		Size:        file.Size,
		Type:        file.Type,
		ContentType: file.ContentType,
		Owner:       file.Owner,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		Events:      []string{},
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert file: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("%w: insert returned no object id", ErrStoreFailure)
	}
	return oid.Hex(), nil
}

func (m *MongoStore) Finalize(ctx context.Context, id string, fin Finalization) error {
	oid, err := m.objectID(id)
	if err != nil {
		return err
	}
	res, err := m.details.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{
		"filePath": fin.StoragePath,
		"filename": fin.Filename,
		"mime":     fin.ContentType,
		"checksum": fin.Checksum,
	}})
	if err != nil {
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	switch res.MatchedCount {
	case 0:
		return ErrNotFound
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: finalized %d documents", ErrStoreFailure, res.MatchedCount)
	}
}

func (m *MongoStore) Find(ctx context.Context, q Query) ([]FileRecord, error) {
	filter, err := m.findFilter(q)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := m.details.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer cur.Close(ctx)

	var files []FileRecord
	for cur.Next(ctx) {
		var doc mongoFile
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode file: %w", err)
		}
		files = append(files, doc.record())
	}
	return files, cur.Err()
}

func (m *MongoStore) findFilter(q Query) (bson.M, error) {
	filter := bson.M{}
	if q.ID != "" {
		oid, err := m.objectID(q.ID)
		if err != nil {
			return nil, err
		}
		filter["_id"] = oid
	}
	if text := q.SearchText(); text != "" {
		filter["$text"] = bson.M{"$search": textSearch(text)}
	}
	if q.Size != nil {
		filter["size"] = *q.Size
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	if q.ContentType != "" {
		filter["mime"] = q.ContentType
	}
	if q.CreatedAt != nil {
		filter["date"] = q.CreatedAt.UTC()
	}
	if q.Owner != "" {
		filter["owner"] = q.Owner
	}
	if q.Event != "" {
		filter["events"] = q.Event
	}
	if q.StoragePath != "" {
		filter["filePath"] = q.StoragePath
	}
	if q.IncompleteBefore != nil {
		filter["filePath"] = bson.M{"$exists": false}
		filter["date"] = bson.M{"$lt": q.IncompleteBefore.UTC()}
	}
	return filter, nil
}

// textSearch quotes every term: quoted phrases in a $text search are ANDed,
// so a second text filter narrows the result instead of widening it.
func textSearch(text string) string {
	terms := strings.Fields(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, "") + `"`
	}
	return strings.Join(terms, " ")
}

func (m *MongoStore) Update(ctx context.Context, id string, fields Fields) error {
	oid, err := m.objectID(id)
	if err != nil {
		return err
	}
	set := bson.M{}
	if fields.Name != nil {
		set["name"] = *fields.Name
	}
	if fields.Type != nil {
		set["type"] = *fields.Type
	}
	if len(set) == 0 {
		return nil
	}

	res, err := m.details.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) Delete(ctx context.Context, id string) (FileRecord, error) {
	oid, err := m.objectID(id)
	if err != nil {
		return FileRecord{}, err
	}
	var doc mongoFile
	if err := m.details.FindOneAndDelete(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return FileRecord{}, ErrNotFound
		}
		return FileRecord{}, fmt.Errorf("failed to delete file: %w", err)
	}
	return doc.record(), nil
}

func (m *MongoStore) DeleteIncomplete(ctx context.Context, id string) error {
	oid, err := m.objectID(id)
	if err != nil {
		return err
	}
	res, err := m.details.DeleteOne(ctx, bson.M{"_id": oid, "filePath": bson.M{"$exists": false}})
	if err != nil {
		return fmt.Errorf("failed to delete incomplete file: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) AddEvents(ctx context.Context, sel Selector, events []string) (int64, error) {
	return m.mutateEvents(ctx, sel, bson.M{"$addToSet": bson.M{"events": bson.M{"$each": dedupe(events)}}})
}

func (m *MongoStore) RemoveEvents(ctx context.Context, sel Selector, events []string) (int64, error) {
	return m.mutateEvents(ctx, sel, bson.M{"$pullAll": bson.M{"events": dedupe(events)}})
}

func (m *MongoStore) SetEvents(ctx context.Context, sel Selector, events []string) (int64, error) {
	events = dedupe(events)
	return m.mutateEvents(ctx, sel, bson.M{"$set": bson.M{"events": events}})
}

func (m *MongoStore) mutateEvents(ctx context.Context, sel Selector, update bson.M) (int64, error) {
	if sel.matchesNothing() {
		return 0, nil
	}

	filter := bson.M{}
	if len(sel.IDs) > 0 {
		oids := make([]primitive.ObjectID, 0, len(sel.IDs))
		for _, id := range sel.IDs {
			oid, err := m.objectID(id)
			if err != nil {
				return 0, err
			}
			oids = append(oids, oid)
		}
		filter["_id"] = bson.M{"$in": oids}
	}
	if sel.Event != "" {
		filter["events"] = sel.Event
	}
	if sel.Owner != "" {
		filter["owner"] = sel.Owner
	}

	res, err := m.details.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to update bindings: %w", err)
	}
	return res.MatchedCount, nil
}

func (m *MongoStore) CountByEvent(ctx context.Context, event string) (int64, error) {
	n, err := m.details.CountDocuments(ctx, bson.M{"events": event})
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("failed to count files for event: %w", err)
	}
	return n, nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
