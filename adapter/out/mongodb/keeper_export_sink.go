package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
)

const (
	collectionExportBundles = "export_bundles"

	// Bundles below this size are stored uncompressed.
	compressionThreshold = 1024
)

// ExportSink stores export bundles as gzip-compressed documents.
type ExportSink struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewExportSink wires the sink on a database.
func NewExportSink(db *mongo.Database) *ExportSink {
	return &ExportSink{
		db:         db,
		collection: db.Collection(collectionExportBundles),
	}
}

// EnsureIndexes creates the collection indexes.
func (s *ExportSink) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type exportBundleDocument struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	UserID         string             `bson:"user_id"`
	Name           string             `bson:"name"`
	Format         string             `bson:"format"`
	Data           []byte             `bson:"data"`
	IsCompressed   bool               `bson:"is_compressed"`
	OriginalSize   int64              `bson:"original_size"`
	CompressedSize int64              `bson:"compressed_size"`
	CreatedAt      time.Time          `bson:"created_at"`
}

// Store persists one bundle and returns its location and uncompressed size.
func (s *ExportSink) Store(ctx context.Context, userID uuid.UUID, format, name string, r io.Reader) (string, int64, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", 0, apperr.Internal("failed to read export bundle: " + err.Error())
	}

	doc := exportBundleDocument{
		UserID:       userID.String(),
		Name:         name,
		Format:       format,
		Data:         raw,
		OriginalSize: int64(len(raw)),
		CreatedAt:    time.Now().UTC(),
	}
	if len(raw) >= compressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return "", 0, apperr.Internal("failed to compress export bundle: " + err.Error())
		}
		if err := zw.Close(); err != nil {
			return "", 0, apperr.Internal("failed to compress export bundle: " + err.Error())
		}
		doc.Data = buf.Bytes()
		doc.IsCompressed = true
		doc.CompressedSize = int64(buf.Len())
	}

	result, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", 0, apperr.Conflict("export name already in use: " + name)
		}
		return "", 0, apperr.Upstream("mongodb", err)
	}

	id, _ := result.InsertedID.(primitive.ObjectID)
	location := fmt.Sprintf("mongodb://%s/%s/%s", s.db.Name(), collectionExportBundles, id.Hex())
	return location, doc.OriginalSize, nil
}

// Fetch reads one bundle back, decompressing as needed.
func (s *ExportSink) Fetch(ctx context.Context, userID uuid.UUID, name string) ([]byte, error) {
	var doc exportBundleDocument
	filter := bson.M{"user_id": userID.String(), "name": name}
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperr.NotFound("export bundle")
		}
		return nil, apperr.Upstream("mongodb", err)
	}
	if !doc.IsCompressed {
		return doc.Data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(doc.Data))
	if err != nil {
		return nil, apperr.Corrupt("export bundle", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, apperr.Corrupt("export bundle", err)
	}
	return raw, nil
}

var _ out.ExportSink = (*ExportSink)(nil)
