package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps every collection as a Firestore collection. Path
// upserts become merge sets of nested maps.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(ctx context.Context, projectID string, opts ...option.ClientOption) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create firestore client")
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// docID maps record ids onto valid Firestore document ids. Ids with a slash
// or a reserved prefix are hashed.
func docID(id string) string {
	if id != "" && !strings.Contains(id, "/") && !strings.HasPrefix(id, "__") && len(id) <= 512 {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "h_" + hex.EncodeToString(sum[:])
}

func (s *FirestoreStore) ref(collection, id string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(docID(id))
}

func (s *FirestoreStore) getRecord(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	snap, err := s.ref(collection, id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s %s", collection, id)
	}
	return storage.ToDoc(snap.Data())
}

func (s *FirestoreStore) CreateProcess(ctx context.Context, p models.Process) error {
	if p.ID == "" {
		return errors.New("process id is required")
	}
	doc, err := storage.ToDoc(p)
	if err != nil {
		return err
	}
	_, err = s.ref(storage.CollectionProcesses, p.ID).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return errors.Wrapf(storage.ErrDuplicate, "process %s", p.ID)
	}
	return errors.Wrapf(err, "create process %s", p.ID)
}

func (s *FirestoreStore) GetProcess(ctx context.Context, id string) (models.Process, error) {
	doc, err := s.getRecord(ctx, storage.CollectionProcesses, id)
	if err != nil {
		return models.Process{}, err
	}
	var p models.Process
	return p, storage.FromDoc(doc, &p)
}

func (s *FirestoreStore) SetFields(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	values, err := storage.ToDoc(fields)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		_, err := s.getRecord(ctx, collection, id)
		return err
	}
	updates := make([]firestore.Update, 0, len(values))
	for k, v := range values {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	_, err = s.ref(collection, id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return errors.Wrapf(storage.ErrNotFound, "%s %s", collection, id)
	}
	return errors.Wrapf(err, "set fields of %s %s", collection, id)
}

func (s *FirestoreStore) UpsertByPath(ctx context.Context, op storage.Operation) (bool, error) {
	fields, err := storage.ToDoc(op.Fields)
	if err != nil {
		return false, err
	}
	data := storage.Nest(op.Path, fields)
	if _, ok := data["id"]; !ok {
		data["id"] = op.ID
	}
	target := s.ref(op.Collection, op.ID)

	if op.Key == "" {
		_, err := target.Set(ctx, data, firestore.MergeAll)
		return err == nil, errors.Wrapf(err, "upsert %s %s at %q", op.Collection, op.ID, op.Path)
	}

	applied := false
	marker := s.ref(collectionAppliedUpdates, op.Key)
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		_, err := tx.Get(marker)
		if err == nil {
			return nil
		}
		if status.Code(err) != codes.NotFound {
			return err
		}
		if err := tx.Create(marker, map[string]interface{}{"key": op.Key, "applied_at": time.Now()}); err != nil {
			return err
		}
		if err := tx.Set(target, data, firestore.MergeAll); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "upsert %s %s at %q", op.Collection, op.ID, op.Path)
	}
	return applied, nil
}

func (s *FirestoreStore) FindDocumentByKey(ctx context.Context, processID, key string) (map[string]interface{}, error) {
	return s.getRecord(ctx, storage.CollectionDocuments, storage.DocumentID(processID, key))
}

func (s *FirestoreStore) InsertEvent(ctx context.Context, rec models.EventRecord) (bool, error) {
	_, err := s.ref(storage.CollectionEvents, rec.ID).Create(ctx, map[string]interface{}{
		"id":         rec.ID,
		"process_id": rec.ProcessID,
		"timestamp":  rec.Timestamp,
		"seq":        int64(rec.Seq),
		"event":      rec.Event,
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "insert event %s", rec.ID)
	}
	return true, nil
}

func (s *FirestoreStore) FindEventsByProcess(ctx context.Context, processID string) ([]models.EventRecord, error) {
	it := s.client.Collection(storage.CollectionEvents).
		Where("process_id", "==", processID).
		OrderBy("timestamp", firestore.Asc).
		OrderBy("seq", firestore.Asc).
		Documents(ctx)
	defer it.Stop()

	events := []models.EventRecord{}
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "find events of process %s", processID)
		}
		data := snap.Data()
		rec := models.EventRecord{ProcessID: processID}
		rec.ID, _ = data["id"].(string)
		rec.Timestamp, _ = data["timestamp"].(int64)
		if seq, ok := data["seq"].(int64); ok {
			rec.Seq = uint64(seq)
		}
		if event, ok := data["event"].(map[string]interface{}); ok {
			rec.Event = event
		}
		events = append(events, rec)
	}
	return events, nil
}

func (s *FirestoreStore) SavePipeline(ctx context.Context, p models.Pipeline) error {
	_, err := s.ref(storage.CollectionPipelines, p.ID).Set(ctx, p)
	return errors.Wrapf(err, "save pipeline %s", p.ID)
}

func (s *FirestoreStore) GetPipeline(ctx context.Context, id string) (models.Pipeline, error) {
	snap, err := s.ref(storage.CollectionPipelines, id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.Pipeline{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Pipeline{}, errors.Wrapf(err, "get pipeline %s", id)
	}
	var p models.Pipeline
	return p, errors.Wrapf(snap.DataTo(&p), "decode pipeline %s", id)
}

func (s *FirestoreStore) SaveUser(ctx context.Context, u models.User) error {
	_, err := s.ref(storage.CollectionUsers, u.ID).Set(ctx, u)
	return errors.Wrapf(err, "save user %s", u.ID)
}

func (s *FirestoreStore) GetUser(ctx context.Context, id string) (models.User, error) {
	snap, err := s.ref(storage.CollectionUsers, id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.User{}, storage.ErrNotFound
	}
	if err != nil {
		return models.User{}, errors.Wrapf(err, "get user %s", id)
	}
	var u models.User
	return u, errors.Wrapf(snap.DataTo(&u), "decode user %s", id)
}

func (s *FirestoreStore) FindUserBySession(ctx context.Context, session string) (models.User, error) {
	if session == "" {
		return models.User{}, storage.ErrNotFound
	}
	it := s.client.Collection(storage.CollectionUsers).Where("session", "==", session).Limit(1).Documents(ctx)
	defer it.Stop()
	snap, err := it.Next()
	if err == iterator.Done {
		return models.User{}, storage.ErrNotFound
	}
	if err != nil {
		return models.User{}, errors.Wrap(err, "find user by session")
	}
	var u models.User
	return u, errors.Wrap(snap.DataTo(&u), "decode user")
}

func (s *FirestoreStore) AddWorkerCount(ctx context.Context, userID string, delta int) error {
	_, err := s.ref(storage.CollectionUsers, userID).Update(ctx, []firestore.Update{
		{Path: "worker_count", Value: firestore.Increment(delta)},
	})
	if status.Code(err) == codes.NotFound {
		return errors.Wrapf(storage.ErrNotFound, "user %s", userID)
	}
	return errors.Wrapf(err, "add %d workers to user %s", delta, userID)
}
