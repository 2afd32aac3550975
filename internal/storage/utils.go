package storage

import (
	"context"
	"net/url"
	"strings"

	"github.com/ignatij/docflow/pkg/storage"
	"github.com/pkg/errors"
)

const defaultMongoDatabase = "docflow"

// InitStore opens the backend named by the scheme of storeURL:
// memory://, postgres://, mongodb:// (or mongodb+srv://) and
// firestore://<project>. An empty url selects the memory store.
func InitStore(ctx context.Context, storeURL string) (storage.Store, error) {
	if storeURL == "" {
		return storage.NewMemoryStore(), nil
	}
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse store url")
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(storeURL)
	case "mongodb", "mongodb+srv":
		db := strings.Trim(u.Path, "/")
		if db == "" {
			db = defaultMongoDatabase
		}
		return NewMongoStore(ctx, storeURL, db)
	case "firestore":
		return NewFirestoreStore(ctx, u.Host)
	default:
		return nil, errors.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

var (
	_ storage.Store = (*PostgresStore)(nil)
	_ storage.Store = (*MongoStore)(nil)
	_ storage.Store = (*FirestoreStore)(nil)
)
