package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one Firestore document per room in the "rooms"
// collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "rooms",
	}
}

func (s *FirestoreStore) roomRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) Get(ctx context.Context, roomID string) (*Snapshot, error) {
	snap, err := s.roomRef(roomID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, notFound(roomID)
	}
	if err != nil {
		return nil, err
	}
	return firestoreSnapshot(roomID, snap), nil
}

func firestoreSnapshot(id string, snap *firestore.DocumentSnapshot) *Snapshot {
	data := snap.Data()
	payload, _ := data["data"].(string)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &Snapshot{
		RoomID:    id,
		Data:      []byte(payload),
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) Put(ctx context.Context, roomID string, data []byte) error {
	_, err := s.roomRef(roomID).Set(ctx, map[string]interface{}{
		"data":      string(data),
		"updatedAt": time.Now(),
	})
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, roomID string) error {
	_, err := s.roomRef(roomID).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return notFound(roomID)
	}
	return err
}

func (s *FirestoreStore) List(ctx context.Context) ([]Snapshot, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []Snapshot
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *firestoreSnapshot(snap.Ref.ID, snap))
	}
	sortSnapshots(result)
	return result, nil
}
