package modmail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	mongoDefaultDatabase = "modmail"
	mongoConnectTimeout  = 15 * time.Second
)

type MongoLogStoreOptions struct {
	URI      string
	Database string
	Logger   *zap.Logger
}

// MongoLogStore keeps logs in a "logs" collection and persistent notes in a
// "notes" collection. Log messages are embedded in their log document.
type MongoLogStore struct {
	client *mongo.Client
	logs   *mongo.Collection
	notes  *mongo.Collection
	logger *zap.Logger
}

type mongoLogDocument struct {
	ID       string `bson:"_id"`
	LogEntry `bson:",inline"`
}

func mongoDatabaseFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.Trim(parsed.Path, "/")
}

func NewMongoLogStore(opts MongoLogStoreOptions) (*MongoLogStore, error) {
	uri := strings.TrimSpace(opts.URI)
	if uri == "" {
		return nil, fmt.Errorf("%w: mongo uri is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dbName := strings.TrimSpace(opts.Database)
	if dbName == "" {
		dbName = mongoDatabaseFromURI(uri)
	}
	if dbName == "" {
		dbName = mongoDefaultDatabase
	}

	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(dbName)
	s := &MongoLogStore{
		client: client,
		logs:   db.Collection("logs"),
		notes:  db.Collection("notes"),
		logger: logger,
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info("mongo_log_store_ready", zap.String("database", dbName))
	return s, nil
}

func (s *MongoLogStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "recipient.id", Value: 1}, {Key: "guild_id", Value: 1}}},
		{Keys: bson.D{{Key: "open", Value: 1}}},
		{Keys: bson.D{
			{Key: "messages.content", Value: "text"},
			{Key: "messages.author.name", Value: "text"},
			{Key: "key", Value: "text"},
		}},
	})
	if err != nil {
		return fmt.Errorf("create log indexes: %w", err)
	}
	_, err = s.notes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient", Value: 1}}},
		{Keys: bson.D{{Key: "message_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create note indexes: %w", err)
	}
	return nil
}

func withGuild(filter bson.M, guildID string) bson.M {
	if guildID != "" {
		filter["guild_id"] = guildID
	}
	return filter
}

var mongoPreviewProjection = bson.M{"messages": bson.M{"$slice": logPreviewMessages}}

func latestFirst() bson.D {
	return bson.D{{Key: "created_at", Value: -1}}
}

func (s *MongoLogStore) findEntries(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]LogEntry, error) {
	if opts == nil {
		opts = options.Find()
	}
	if opts.Sort == nil {
		opts.SetSort(bson.D{{Key: "created_at", Value: 1}})
	}
	cursor, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoLogDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.LogEntry.clone())
	}
	return out, nil
}

func (s *MongoLogStore) CreateEntry(ctx context.Context, in NewLogEntry) (LogEntry, error) {
	if strings.TrimSpace(in.ChannelID) == "" {
		return LogEntry{}, fmt.Errorf("%w: channel id is required", ErrInvalidInput)
	}
	entry := newLogEntry(in, time.Now())
	if _, err := s.logs.InsertOne(ctx, mongoLogDocument{ID: entry.Key, LogEntry: entry}); err != nil {
		return LogEntry{}, err
	}
	s.logger.Debug("log_entry_created", zap.String("key", entry.Key), zap.String("channel", entry.ChannelID))
	return entry, nil
}

func (s *MongoLogStore) AppendMessage(ctx context.Context, channelID string, msg ThreadMessage) error {
	msg = msg.clone()
	msg.Key = ""
	res := s.logs.FindOneAndUpdate(ctx,
		bson.M{"channel_id": channelID},
		bson.M{"$push": bson.M{"messages": msg}},
		options.FindOneAndUpdate().SetSort(latestFirst()).SetProjection(bson.M{"_id": 1}),
	)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: log for channel %s", ErrNotFound, channelID)
		}
		return err
	}
	return nil
}

func (s *MongoLogStore) updateMessage(ctx context.Context, messageID string, set bson.M) error {
	res, err := s.logs.UpdateOne(ctx, bson.M{"messages.message_id": messageID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return nil
}

func (s *MongoLogStore) EditMessage(ctx context.Context, messageID, content string) error {
	return s.updateMessage(ctx, messageID, bson.M{"messages.$.content": content, "messages.$.edited": true})
}

func (s *MongoLogStore) SetMessageType(ctx context.Context, messageID string, typ MessageType) error {
	return s.updateMessage(ctx, messageID, bson.M{"messages.$.type": typ})
}

func (s *MongoLogStore) GetOpenEntries(ctx context.Context) ([]LogEntry, error) {
	return s.findEntries(ctx, bson.M{"open": true}, nil)
}

func (s *MongoLogStore) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions, notFound string) (LogEntry, error) {
	var doc mongoLogDocument
	if err := s.logs.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return LogEntry{}, fmt.Errorf("%w: %s", ErrNotFound, notFound)
		}
		return LogEntry{}, err
	}
	return doc.LogEntry.clone(), nil
}

func (s *MongoLogStore) GetEntry(ctx context.Context, key string) (LogEntry, error) {
	return s.findOne(ctx, bson.M{"key": key}, nil, "log "+key)
}

func (s *MongoLogStore) GetEntryByChannel(ctx context.Context, channelID string) (LogEntry, error) {
	return s.findOne(ctx, bson.M{"channel_id": channelID}, options.FindOne().SetSort(latestFirst()), "log for channel "+channelID)
}

func (s *MongoLogStore) GetMessagePayload(ctx context.Context, channelID, messageID string) (ThreadMessage, error) {
	filter := bson.M{
		"channel_id": channelID,
		"messages": bson.M{"$elemMatch": bson.M{"$or": bson.A{
			bson.M{"message_id": messageID},
			bson.M{"linked_ids": messageID},
		}}},
	}
	var doc struct {
		Key      string          `bson:"key"`
		Messages []ThreadMessage `bson:"messages"`
	}
	opts := options.FindOne().SetProjection(bson.M{"key": 1, "messages.$": 1}).SetSort(latestFirst())
	if err := s.logs.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ThreadMessage{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return ThreadMessage{}, err
	}
	if len(doc.Messages) == 0 {
		return ThreadMessage{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	out := doc.Messages[0]
	out.Key = doc.Key
	return out, nil
}

func (s *MongoLogStore) GetUserLogs(ctx context.Context, guildID, userID string) ([]LogEntry, error) {
	filter := withGuild(bson.M{"recipient.id": userID}, guildID)
	return s.findEntries(ctx, filter, options.Find().SetProjection(mongoPreviewProjection))
}

func (s *MongoLogStore) GetLatestUserLog(ctx context.Context, guildID, userID string) (LogEntry, error) {
	filter := withGuild(bson.M{"recipient.id": userID, "open": false}, guildID)
	opts := options.FindOne().
		SetSort(bson.D{{Key: "closed_at", Value: -1}}).
		SetProjection(mongoPreviewProjection)
	return s.findOne(ctx, filter, opts, "closed logs for user "+userID)
}

func (s *MongoLogStore) FinalizeEntry(ctx context.Context, channelID string, data CloseData) (LogEntry, error) {
	closedAt := data.ClosedAt.UTC()
	update := bson.M{"$set": bson.M{
		"open":          false,
		"closed_at":     closedAt,
		"closer":        data.Closer,
		"close_message": data.CloseMessage,
	}}
	opts := options.FindOneAndUpdate().SetSort(latestFirst()).SetReturnDocument(options.After)
	var doc mongoLogDocument
	if err := s.logs.FindOneAndUpdate(ctx, bson.M{"channel_id": channelID}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return LogEntry{}, fmt.Errorf("%w: log for channel %s", ErrNotFound, channelID)
		}
		return LogEntry{}, err
	}
	return doc.LogEntry.clone(), nil
}

func (s *MongoLogStore) SearchByText(ctx context.Context, guildID, text string, limit int) ([]LogEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: search text is required", ErrInvalidInput)
	}
	filter := withGuild(bson.M{
		"open":  false,
		"$text": bson.M{"$search": `"` + strings.ReplaceAll(text, `"`, "") + `"`},
	}, guildID)
	opts := options.Find().SetProjection(mongoPreviewProjection)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findEntries(ctx, filter, opts)
}

func (s *MongoLogStore) SearchClosedBy(ctx context.Context, guildID, userID string) ([]LogEntry, error) {
	filter := withGuild(bson.M{"open": false, "closer.id": userID}, guildID)
	return s.findEntries(ctx, filter, options.Find().SetProjection(mongoPreviewProjection))
}

func (s *MongoLogStore) SearchResponded(ctx context.Context, userID string) ([]LogEntry, error) {
	filter := bson.M{
		"open": false,
		"messages": bson.M{"$elemMatch": bson.M{
			"author.id":  userID,
			"author.mod": true,
			"type":       bson.M{"$in": bson.A{MessageTypeAnonymous, MessageTypeNormal}},
		}},
	}
	return s.findEntries(ctx, filter, nil)
}

func (s *MongoLogStore) ListClosedSince(ctx context.Context, since time.Time, limit int) ([]LogEntry, error) {
	filter := bson.M{"open": false, "closed_at": bson.M{"$gt": since.UTC()}}
	opts := options.Find().SetSort(bson.D{{Key: "closed_at", Value: 1}, {Key: "key", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.findEntries(ctx, filter, opts)
}

func (s *MongoLogStore) DeleteEntry(ctx context.Context, key string) (bool, error) {
	res, err := s.logs.DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoLogStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.logs.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoLogStore) CreateNote(ctx context.Context, note Note) (Note, error) {
	if strings.TrimSpace(note.RecipientID) == "" {
		return Note{}, fmt.Errorf("%w: note recipient is required", ErrInvalidInput)
	}
	if note.ID == "" {
		note.ID = newNoteID()
	}
	if _, err := s.notes.InsertOne(ctx, note); err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *MongoLogStore) FindNotes(ctx context.Context, recipientID string) ([]Note, error) {
	cursor, err := s.notes.Find(ctx, bson.M{"recipient": recipientID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var notes []Note
	if err := cursor.All(ctx, &notes); err != nil {
		return nil, err
	}
	if notes == nil {
		notes = []Note{}
	}
	return notes, nil
}

func (s *MongoLogStore) UpdateNoteIDs(ctx context.Context, ids map[string]string) error {
	for noteID, messageID := range ids {
		if _, err := s.notes.UpdateOne(ctx, bson.M{"_id": noteID}, bson.M{"$set": bson.M{"message_id": messageID}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoLogStore) DeleteNote(ctx context.Context, messageID string) error {
	_, err := s.notes.DeleteOne(ctx, bson.M{"message_id": messageID})
	return err
}

func (s *MongoLogStore) EditNote(ctx context.Context, messageID, message string) error {
	_, err := s.notes.UpdateOne(ctx, bson.M{"message_id": messageID}, bson.M{"$set": bson.M{"message": message}})
	return err
}

func (s *MongoLogStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
