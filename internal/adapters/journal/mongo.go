package journal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"taskcoord/internal/coordinator"
)

var _ coordinator.EventSink = (*MongoJournal)(nil)

// MongoOptions 描述事件日志集合的位置。
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
}

// MongoJournal 将事件追加到 MongoDB 集合，供外部审计与查询。
type MongoJournal struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type document struct {
	Type      string    `bson:"type"`
	TaskID    uint64    `bson:"task_id"`
	Payload   int64     `bson:"payload,omitempty"`
	Result    int64     `bson:"result,omitempty"`
	Worker    string    `bson:"worker,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoJournal 连接 MongoDB 并确保按任务查询的索引存在。
func NewMongoJournal(ctx context.Context, opts MongoOptions) (*MongoJournal, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri required")
	}
	if opts.Database == "" {
		opts.Database = "taskcoord"
	}
	if opts.Collection == "" {
		opts.Collection = "events"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongo")
	}
	coll := client.Database(opts.Database).Collection(opts.Collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "create event index")
	}
	return &MongoJournal{client: client, coll: coll, now: time.Now}, nil
}

// Publish 追加一条事件。
func (j *MongoJournal) Publish(ctx context.Context, evt coordinator.Event) error {
	if _, err := j.coll.InsertOne(ctx, toDocument(evt, j.now())); err != nil {
		return errors.Wrapf(err, "insert %s event for task %d", evt.Type, evt.TaskID)
	}
	return nil
}

// Events 按写入顺序返回某任务的全部事件。
func (j *MongoJournal) Events(ctx context.Context, id coordinator.TaskID) ([]coordinator.Event, error) {
	cur, err := j.coll.Find(ctx, bson.M{"task_id": uint64(id)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find events")
	}
	defer cur.Close(ctx)

	var events []coordinator.Event
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		events = append(events, fromDocument(doc))
	}
	return events, errors.Wrap(cur.Err(), "iterate events")
}

// Close 断开连接。
func (j *MongoJournal) Close(ctx context.Context) error {
	return j.client.Disconnect(ctx)
}

func toDocument(evt coordinator.Event, at time.Time) document {
	return document{
		Type:      string(evt.Type),
		TaskID:    uint64(evt.TaskID),
		Payload:   evt.Input.Payload,
		Result:    evt.Result,
		Worker:    evt.Worker,
		CreatedAt: at.UTC(),
	}
}

func fromDocument(doc document) coordinator.Event {
	evt := coordinator.Event{
		Type:   coordinator.EventType(doc.Type),
		TaskID: coordinator.TaskID(doc.TaskID),
		Result: doc.Result,
		Worker: doc.Worker,
	}
	if evt.Type == coordinator.EventTaskCreated {
		evt.Input = coordinator.TaskInput{Payload: doc.Payload, Worker: doc.Worker}
	}
	return evt
}
