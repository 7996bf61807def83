package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"drive-bugle/internal/drive"
)

// Storage holds named blobs for one user. Put overwrites; Get wraps
// ErrNotFound when name was never written.
type Storage interface {
	Put(ctx context.Context, name string, blob []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// Locator finds the storage of the user a capability acts for.
type Locator interface {
	Locate(ctx context.Context, c *drive.Client) (Storage, error)
}

// AppDataLocator stores blobs in the user's Drive application-data folder.
type AppDataLocator struct{}

func (AppDataLocator) Locate(_ context.Context, c *drive.Client) (Storage, error) {
	if c == nil {
		return nil, errors.New("no drive capability")
	}
	return appDataStorage{c.AppData()}, nil
}

type appDataStorage struct {
	folder *drive.AppData
}

func (s appDataStorage) Put(ctx context.Context, name string, blob []byte) error {
	return s.folder.Put(ctx, name, blob)
}

func (s appDataStorage) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.folder.Get(ctx, name)
	if errors.Is(err, drive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return data, err
}

// FirestoreLocator stores blobs in one Firestore document per user, keyed by
// the user's salted hex id.
type FirestoreLocator struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreLocator returns a locator writing under collection.
func NewFirestoreLocator(client *firestore.Client, collection string) *FirestoreLocator {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreLocator{client: client, collection: collection}
}

// Locate resolves the user's document. It costs one about call when the
// capability has not looked up the user yet.
func (l *FirestoreLocator) Locate(ctx context.Context, c *drive.Client) (Storage, error) {
	if c == nil {
		return nil, errors.New("no drive capability")
	}
	id, err := c.HexID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to identify user: %w", err)
	}
	return &firestoreStorage{doc: l.client.Collection(l.collection).Doc(id)}, nil
}

// sealedRecord is the document layout.
type sealedRecord struct {
	File      string    `firestore:"file"`
	Sealed    string    `firestore:"sealed"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type firestoreStorage struct {
	doc *firestore.DocumentRef
}

func (s *firestoreStorage) Put(ctx context.Context, name string, blob []byte) error {
	rec := sealedRecord{File: name, Sealed: string(blob), UpdatedAt: time.Now().UTC()}
	if _, err := s.doc.Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.doc.Path, err)
	}
	return nil
}

func (s *firestoreStorage) Get(ctx context.Context, name string) ([]byte, error) {
	snap, err := s.doc.Get(ctx)
	if err != nil {
		return nil, classify(s.doc.ID, err)
	}
	var rec sealedRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.doc.Path, err)
	}
	if rec.File != name || rec.Sealed == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return []byte(rec.Sealed), nil
}

func classify(id string, err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return fmt.Errorf("failed to read document %s: %w", id, err)
}
