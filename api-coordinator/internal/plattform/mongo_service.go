package plattform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"tilecast/api-coordinator/internal/config"
)

var (
	// ErrMissingMongoURI indica que no se configuró la URI de Mongo.
	ErrMissingMongoURI = errors.New("database: missing MONGODB_URI")
)

// NewClient abre un cliente de MongoDB y devuelve un MongoService. Quien lo
// recibe debe llamar a Close al terminar.
func NewClient(ctx context.Context, uri string) (*MongoService, error) {
	if uri == "" {
		return nil, ErrMissingMongoURI
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opt := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)
	client, err := mongo.Connect(opt)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return NewMongoService(client), nil
}

// ConnectWithRetry reintenta NewClient cada RetryInterval hasta RetryAttempts veces.
func ConnectWithRetry(ctx context.Context, cfg config.MongoConfig, logger log.Logger) (*MongoService, error) {
	attempts := max(cfg.RetryAttempts, 1)
	var lastErr error
	for i := 1; i <= attempts; i++ {
		svc, err := NewClient(ctx, cfg.URI)
		if err == nil {
			level.Info(logger).Log("msg", "[MONGO] Conectado", "database", cfg.Database)
			return svc, nil
		}
		if errors.Is(err, ErrMissingMongoURI) {
			return nil, err
		}
		lastErr = err
		level.Warn(logger).Log("msg", "[MONGO] No se pudo conectar", "attempt", i, "of", attempts, "err", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, lastErr
}

type MongoService struct {
	client *mongo.Client
}

// NewMongoService envuelve un cliente de MongoDB ya abierto.
func NewMongoService(client *mongo.Client) *MongoService {
	return &MongoService{client: client}
}

// Ping comprueba que el primario responde.
func (s *MongoService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoService) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// GetCollection devuelve la colección pedida.
func (s *MongoService) GetCollection(dbName, collName string) *mongo.Collection {
	return s.client.Database(dbName).Collection(collName)
}
