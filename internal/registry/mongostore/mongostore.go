// Package mongostore persists node-registry entries to MongoDB and
// periodically reconciles the in-memory registry against the stored
// snapshot, so a freshly started scheduler can rejoin a grid without
// waiting for every peer to re-announce.
package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/registry"
)

// Document is the BSON shape of one persisted registry entry.
type Document struct {
	ID         string    `bson:"_id"`
	SourceName string    `bson:"sourceName"`
	Target     string    `bson:"target"`
	Public     bool      `bson:"public"`
	DirectMode bool      `bson:"directMode"`
	ShareTimeMS int64    `bson:"shareTimeMs"`
	EndTime    time.Time `bson:"endTime"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

// Store wraps the "node_registry" collection.
type Store struct {
	entries *mongo.Collection
}

// NewStore opens the store against db's "node_registry" collection.
func NewStore(db *mongo.Database) *Store {
	return &Store{entries: db.Collection("node_registry")}
}

func docID(sourceName, target string) string {
	return sourceName + "|" + target
}

// Upsert persists a single registry entry, replacing any prior document
// for the same (sourceName, target) pair.
func (s *Store) Upsert(ctx context.Context, sourceName string, e registry.Entry) error {
	doc := Document{
		ID:          docID(sourceName, e.Target.String()),
		SourceName:  sourceName,
		Target:      e.Target.String(),
		Public:      e.Features.Public,
		DirectMode:  e.Features.DirectMode,
		ShareTimeMS: e.ShareTime.Milliseconds(),
		EndTime:     e.EndTime,
		UpdatedAt:   time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	_, err := s.entries.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	return err
}

// Remove deletes the persisted entry for (sourceName, target).
func (s *Store) Remove(ctx context.Context, sourceName, target string) error {
	_, err := s.entries.DeleteOne(ctx, bson.M{"_id": docID(sourceName, target)})
	return err
}

// LoadAll reads every non-expired entry back into caller-usable form.
func (s *Store) LoadAll(ctx context.Context) ([]Document, error) {
	filter := bson.M{
		"$or": []bson.M{
			{"endTime": bson.M{"$eq": time.Time{}}},
			{"endTime": bson.M{"$gt": time.Now()}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "sourceName", Value: 1}})

	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Syncer periodically pushes the in-memory registry's snapshot to Mongo
// and, at startup, pulls persisted entries back in.
type Syncer struct {
	reg      *registry.Registry
	store    *Store
	interval time.Duration
}

// NewSyncer builds a Syncer that reconciles reg against store every
// interval.
func NewSyncer(reg *registry.Registry, store *Store, interval time.Duration) *Syncer {
	return &Syncer{reg: reg, store: store, interval: interval}
}

// InitialLoad pulls every persisted entry into reg, retrying with backoff
// until ctx is canceled or the load succeeds. It is meant to run once at
// startup before the registry starts serving Resolve calls.
func (s *Syncer) InitialLoad(ctx context.Context) error {
	backoff := time.Second
	for {
		docs, err := s.store.LoadAll(ctx)
		if err == nil {
			for _, d := range docs {
				s.reg.RegisterAs(d.SourceName, gridaddr.ParseAddress(d.Target),
					registry.Features{Public: d.Public, DirectMode: d.DirectMode},
					time.Duration(d.ShareTimeMS)*time.Millisecond)
			}
			log.Info().Int("count", len(docs)).Msg("node registry initial load complete")
			return nil
		}

		log.Warn().Err(err).Dur("retryIn", backoff).Msg("node registry initial load failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Run persists the registry's current snapshot every interval until ctx is
// canceled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context) {
	snap := s.reg.Snapshot()
	for sourceName, entries := range snap {
		for _, e := range entries {
			if err := s.store.Upsert(ctx, sourceName, e); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("sourceName", sourceName).Msg("node registry sync upsert failed")
			}
		}
	}
}
