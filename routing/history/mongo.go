// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/scorecard"
)

// CollectionName is the MongoDB collection holding scorecards.
const CollectionName = "router_scorecards"

// Mongo stores one document per (tenant, task, model).
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo uses an existing collection. client may be nil when the caller
// owns the connection.
func NewMongo(client *mongo.Client, coll *mongo.Collection) *Mongo {
	return &Mongo{client: client, coll: coll}
}

// DialMongo connects to uri and pings the primary.
func DialMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if database == "" {
		return nil, errors.New("database name is required")
	}

	clientOpts := options.Client().
		ApplyURI(uri).
		SetAppName("AxonFlow-ModelRouter").
		SetConnectTimeout(10 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return NewMongo(client, client.Database(database).Collection(CollectionName)), nil
}

// EnsureIndexes creates the unique key index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "task_type", Value: 1},
			{Key: "model", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName("scorecard_key"),
	})
	if err != nil {
		return fmt.Errorf("failed to create scorecard index: %w", err)
	}
	return nil
}

func cardFilter(tenantID string, task catalog.TaskType, model string) bson.D {
	return bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "task_type", Value: string(task)},
		{Key: "model", Value: model},
	}
}

// UpsertCard replaces the document for the card's key.
func (m *Mongo) UpsertCard(ctx context.Context, card *scorecard.ScoreCard) error {
	if card == nil {
		return errors.New("card cannot be nil")
	}
	if card.UpdatedAt.IsZero() {
		card = card.Clone()
		card.UpdatedAt = time.Now().UTC()
	}

	_, err := m.coll.UpdateOne(ctx,
		cardFilter(card.TenantID, card.TaskType, card.Model),
		bson.M{"$set": card},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scorecard: %w", err)
	}
	return nil
}

// LoadCards returns every card for (tenant, task), ordered by model.
func (m *Mongo) LoadCards(ctx context.Context, tenantID string, task catalog.TaskType) ([]*scorecard.ScoreCard, error) {
	filter := bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "task_type", Value: string(task)},
	}
	cursor, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "model", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to load scorecards: %w", err)
	}
	defer cursor.Close(ctx)

	var cards []*scorecard.ScoreCard
	if err := cursor.All(ctx, &cards); err != nil {
		return nil, fmt.Errorf("failed to decode scorecards: %w", err)
	}
	return cards, nil
}

// Close disconnects the client if this Mongo owns it.
func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

var _ Backend = (*Mongo)(nil)
