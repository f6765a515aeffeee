package service

import (
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wkalt/tapecache/config"
	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/sender/kafka"
	"github.com/wkalt/tapecache/sender/memory"
	natssender "github.com/wkalt/tapecache/sender/nats"
	"github.com/wkalt/tapecache/sender/object"
	"github.com/wkalt/tapecache/storage"
)

// NewSender builds the sender selected by the configuration.
func NewSender(c config.SenderConfig) (sender.Sender, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case config.SenderKafka:
		snd, err := kafka.New(c.Kafka)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sender: %w", err)
		}
		return snd, nil
	case config.SenderNATS:
		return natssender.New(c.NATS), nil
	case config.SenderObject:
		store, err := NewStorageProvider(c.Object)
		if err != nil {
			return nil, err
		}
		return object.New(store), nil
	default:
		return memory.New(), nil
	}
}

// NewStorageProvider builds the object store of an object sender.
func NewStorageProvider(c config.ObjectConfig) (storage.Provider, error) {
	if c.Dir != "" {
		return storage.NewDirectoryStore(c.Dir), nil
	}
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.TLS,
		Region: c.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return storage.NewS3Store(mc, c.Bucket), nil
}
