package storage

import (
	"context"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionAppliedUpdates = "applied_updates"

// MongoStore writes path upserts as dotted $set updates, so concurrent
// writers to different paths of one record never overwrite each other.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongodb")
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string]mongo.IndexModel{
		storage.CollectionEvents:    {Keys: bson.D{{Key: "process_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "seq", Value: 1}}},
		storage.CollectionDocuments: {Keys: bson.D{{Key: "process_id", Value: 1}}},
		storage.CollectionUsers:     {Keys: bson.D{{Key: "session", Value: 1}}, Options: options.Index().SetSparse(true)},
	}
	for coll, idx := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateOne(ctx, idx); err != nil {
			return errors.Wrapf(err, "create index on %s", coll)
		}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// plain converts a decoded bson document into the generic form the other
// backends return.
func plain(doc bson.M) (map[string]interface{}, error) {
	delete(doc, "_id")
	return storage.ToDoc(doc)
}

func (s *MongoStore) findRecord(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find %s %s", collection, id)
	}
	return plain(doc)
}

func (s *MongoStore) CreateProcess(ctx context.Context, p models.Process) error {
	if p.ID == "" {
		return errors.New("process id is required")
	}
	doc, err := storage.ToDoc(p)
	if err != nil {
		return err
	}
	doc["_id"] = p.ID
	_, err = s.db.Collection(storage.CollectionProcesses).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrapf(storage.ErrDuplicate, "process %s", p.ID)
	}
	return errors.Wrapf(err, "create process %s", p.ID)
}

func (s *MongoStore) GetProcess(ctx context.Context, id string) (models.Process, error) {
	doc, err := s.findRecord(ctx, storage.CollectionProcesses, id)
	if err != nil {
		return models.Process{}, err
	}
	var p models.Process
	return p, storage.FromDoc(doc, &p)
}

func (s *MongoStore) SetFields(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	set, err := storage.ToDoc(fields)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		_, err := s.findRecord(ctx, collection, id)
		return err
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return errors.Wrapf(err, "set fields of %s %s", collection, id)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", collection, id)
	}
	return nil
}

func (s *MongoStore) UpsertByPath(ctx context.Context, op storage.Operation) (bool, error) {
	fields, err := storage.ToDoc(op.Fields)
	if err != nil {
		return false, err
	}
	if op.Key != "" {
		_, err := s.db.Collection(collectionAppliedUpdates).InsertOne(ctx, bson.M{"_id": op.Key, "applied_at": time.Now()})
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "record update key")
		}
	}

	set := bson.M{}
	for k, v := range fields {
		if op.Path != "" {
			k = op.Path + "." + k
		}
		set[k] = v
	}
	update := bson.M{"$set": set}
	if _, ok := set["id"]; !ok {
		update["$setOnInsert"] = bson.M{"id": op.ID}
	}
	_, err = s.db.Collection(op.Collection).UpdateOne(ctx, bson.M{"_id": op.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		if op.Key != "" {
			// unmark the key of a change that failed
			_, _ = s.db.Collection(collectionAppliedUpdates).DeleteOne(ctx, bson.M{"_id": op.Key})
		}
		return false, errors.Wrapf(err, "upsert %s %s at %q", op.Collection, op.ID, op.Path)
	}
	return true, nil
}

func (s *MongoStore) FindDocumentByKey(ctx context.Context, processID, key string) (map[string]interface{}, error) {
	return s.findRecord(ctx, storage.CollectionDocuments, storage.DocumentID(processID, key))
}

func (s *MongoStore) InsertEvent(ctx context.Context, rec models.EventRecord) (bool, error) {
	_, err := s.db.Collection(storage.CollectionEvents).InsertOne(ctx, bson.M{
		"_id":        rec.ID,
		"process_id": rec.ProcessID,
		"timestamp":  rec.Timestamp,
		"seq":        int64(rec.Seq),
		"event":      rec.Event,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "insert event %s", rec.ID)
	}
	return true, nil
}

func (s *MongoStore) FindEventsByProcess(ctx context.Context, processID string) ([]models.EventRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "seq", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.db.Collection(storage.CollectionEvents).Find(ctx, bson.M{"process_id": processID}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "find events of process %s", processID)
	}
	defer cur.Close(ctx)

	events := []models.EventRecord{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		generic, err := storage.ToDoc(doc)
		if err != nil {
			return nil, err
		}
		var rec models.EventRecord
		if err := storage.FromDoc(generic, &rec); err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	return events, errors.Wrap(cur.Err(), "iterate events")
}

func (s *MongoStore) SavePipeline(ctx context.Context, p models.Pipeline) error {
	_, err := s.db.Collection(storage.CollectionPipelines).ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "save pipeline %s", p.ID)
}

func (s *MongoStore) GetPipeline(ctx context.Context, id string) (models.Pipeline, error) {
	var p models.Pipeline
	err := s.db.Collection(storage.CollectionPipelines).FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Pipeline{}, storage.ErrNotFound
	}
	return p, errors.Wrapf(err, "get pipeline %s", id)
}

func (s *MongoStore) SaveUser(ctx context.Context, u models.User) error {
	_, err := s.db.Collection(storage.CollectionUsers).ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "save user %s", u.ID)
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.M) (models.User, error) {
	var u models.User
	err := s.db.Collection(storage.CollectionUsers).FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.User{}, storage.ErrNotFound
	}
	return u, errors.Wrap(err, "get user")
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (models.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindUserBySession(ctx context.Context, session string) (models.User, error) {
	if session == "" {
		return models.User{}, storage.ErrNotFound
	}
	return s.findUser(ctx, bson.M{"session": session})
}

func (s *MongoStore) AddWorkerCount(ctx context.Context, userID string, delta int) error {
	res, err := s.db.Collection(storage.CollectionUsers).UpdateOne(ctx, bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"worker_count": delta}})
	if err != nil {
		return errors.Wrapf(err, "add %d workers to user %s", delta, userID)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(storage.ErrNotFound, "user %s", userID)
	}
	return nil
}
