// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	keyJobID  = "ujs_job_id"
	keyPropID = "prop_id"
	keyValue  = "value"
)

// MongoStore is the MongoDB backed Store.
type MongoStore struct {
	tasks *mongo.Collection
	logs  *mongo.Collection
	props *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore ensures the unique indexes exist and stamps the schema
// version. An existing version stamp is left untouched.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		// Job input and output are opaque JSON; nested documents decode as
		// maps so they marshal back to the same JSON.
		tasks: db.Collection(CollTasks, options.Collection().SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})),
		logs:  db.Collection(CollLogs),
		props: db.Collection(CollProps),
	}
	for coll, key := range map[*mongo.Collection]string{s.tasks: keyJobID, s.logs: keyJobID, s.props: keyPropID} {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create index on %s.%s: %w", coll.Name(), key, err)
		}
	}
	_, err := s.props.InsertOne(ctx, bson.D{{Key: keyPropID, Value: PropDBVersion}, {Key: keyValue, Value: DBVersion}})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("failed to write %s: %w", PropDBVersion, err)
	}
	return s, nil
}

func byJobID(jobID string) bson.D {
	return bson.D{{Key: keyJobID, Value: jobID}}
}

func (s *MongoStore) InsertTask(ctx context.Context, task TaskRecord) error {
	if _, err := s.tasks.InsertOne(ctx, task); err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.UJSJobID, err)
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, jobID string) (*TaskRecord, error) {
	var t TaskRecord
	if err := s.tasks.FindOne(ctx, byJobID(jobID)).Decode(&t); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read task %s: %w", jobID, err)
	}
	return &t, nil
}

func (s *MongoStore) SubJobIDs(ctx context.Context, jobID string) ([]string, error) {
	cur, err := s.tasks.Find(ctx, bson.D{{Key: "parent_job_id", Value: jobID}},
		options.Find().SetProjection(bson.D{{Key: keyJobID, Value: 1}}).SetSort(bson.D{{Key: keyJobID, Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list sub jobs of %s: %w", jobID, err)
	}
	var docs []TaskRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read sub jobs of %s: %w", jobID, err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.UJSJobID)
	}
	return ids, nil
}

func (s *MongoStore) updateTask(ctx context.Context, jobID string, set bson.D) error {
	res, err := s.tasks.UpdateOne(ctx, byJobID(jobID), bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) SetTaskResult(ctx context.Context, jobID string, result map[string]any) error {
	return s.updateTask(ctx, jobID, bson.D{{Key: "job_output", Value: result}})
}

func (s *MongoStore) SetTaskTime(ctx context.Context, jobID string, field TimeField, t time.Time) error {
	return s.updateTask(ctx, jobID, bson.D{{Key: field.key(), Value: millis(t)}})
}

func (s *MongoStore) GetLog(ctx context.Context, jobID string) (*LogRecord, error) {
	var l LogRecord
	err := s.logs.FindOne(ctx, byJobID(jobID), options.FindOne().SetProjection(bson.D{
		{Key: keyJobID, Value: 1},
		{Key: "original_line_count", Value: 1},
		{Key: "stored_line_count", Value: 1},
	})).Decode(&l)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read log of %s: %w", jobID, err)
	}
	return &l, nil
}

func (s *MongoStore) InsertLog(ctx context.Context, log LogRecord) error {
	if _, err := s.logs.InsertOne(ctx, log); err != nil {
		return fmt.Errorf("failed to insert log %s: %w", log.UJSJobID, err)
	}
	return nil
}

// AppendLogLines pushes lines and increments both counters in a single
// document update, so readers never see lines without their count.
func (s *MongoStore) AppendLogLines(ctx context.Context, jobID string, lines []LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: "lines", Value: bson.D{{Key: "$each", Value: lines}}}}},
		{Key: "$inc", Value: bson.D{
			{Key: "original_line_count", Value: len(lines)},
			{Key: "stored_line_count", Value: len(lines)},
		}},
	}
	if _, err := s.logs.UpdateOne(ctx, byJobID(jobID), update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to append %d log lines to %s: %w", len(lines), jobID, err)
	}
	return nil
}

func (s *MongoStore) AddDroppedLines(ctx context.Context, jobID string, n int) error {
	if n <= 0 {
		return nil
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "original_line_count", Value: n}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "stored_line_count", Value: 0}}},
	}
	if _, err := s.logs.UpdateOne(ctx, byJobID(jobID), update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to count dropped log lines of %s: %w", jobID, err)
	}
	return nil
}

func (s *MongoStore) LogLines(ctx context.Context, jobID string, from, count int) ([]LogLine, error) {
	if count <= 0 {
		return []LogLine{}, nil
	}
	var l LogRecord
	err := s.logs.FindOne(ctx, byJobID(jobID), options.FindOne().SetProjection(bson.D{
		{Key: "lines", Value: bson.D{{Key: "$slice", Value: bson.A{max(from, 0), count}}}},
	})).Decode(&l)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read log lines of %s: %w", jobID, err)
	}
	if l.Lines == nil {
		return []LogLine{}, nil
	}
	return l.Lines, nil
}

func (s *MongoStore) ServiceProperty(ctx context.Context, propID string) (string, bool, error) {
	var doc struct {
		Value string `bson:"value"`
	}
	err := s.props.FindOne(ctx, bson.D{{Key: keyPropID, Value: propID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read service property %s: %w", propID, err)
	}
	return doc.Value, true, nil
}

func (s *MongoStore) SetServiceProperty(ctx context.Context, propID, value string) error {
	_, err := s.props.UpdateOne(ctx, bson.D{{Key: keyPropID, Value: propID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: keyValue, Value: value}}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set service property %s: %w", propID, err)
	}
	return nil
}
