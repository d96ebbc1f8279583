package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Store implements the Store interface using MinIO as the backend.
// Object layout:
//
//	bucket/
//	└── [keyPrefix/]<storageKey>/
//	    ├── <deviceId>.json    # one wrapped-key record per object
//	    └── ...
//
// Records are opaque to the backend; all wrapping happens above the
// persistence boundary.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	storageKey string
}

// NewS3Store initializes a new S3Store instance using the provided S3
// configuration and storage key, and verifies that the bucket exists.
func NewS3Store(config S3Config, storageKey string) (*S3Store, error) {
	if err := validateStorageKey(storageKey); err != nil {
		return nil, fmt.Errorf("invalid storage key: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		storageKey: storageKey,
	}

	exists, err := client.BucketExists(context.Background(), config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", config.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", config.Bucket)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, storageKey string) (*S3Store, error) {
	data, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal s3 config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(data, &s3Config); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	return NewS3Store(s3Config, storageKey)
}

func (s *S3Store) objectName(deviceID string) string {
	name := s.storageKey + "/" + deviceID + ".json"
	if s.keyPrefix != "" {
		name = strings.TrimSuffix(s.keyPrefix, "/") + "/" + name
	}
	return name
}

// Put stores a record, overwriting any existing object with the same id.
func (s *S3Store) Put(ctx context.Context, record DeviceKeyRecord) error {
	if err := validateDeviceID(record.DeviceID); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucketName, s.objectName(record.DeviceID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", record.DeviceID, err)
	}

	return nil
}

// Get retrieves the record for the given id, or nil if no such object exists.
func (s *S3Store) Get(ctx context.Context, deviceID string) (*DeviceKeyRecord, error) {
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, s.objectName(deviceID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", deviceID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var errResp minio.ErrorResponse
		if errors.As(err, &errResp) && errResp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record %s: %w", deviceID, err)
	}

	var record DeviceKeyRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", deviceID, err)
	}

	return &record, nil
}

// GetAll retrieves every stored record, newest first.
func (s *S3Store) GetAll(ctx context.Context) ([]DeviceKeyRecord, error) {
	prefix := s.storageKey + "/"
	if s.keyPrefix != "" {
		prefix = strings.TrimSuffix(s.keyPrefix, "/") + "/" + prefix
	}

	records := make([]DeviceKeyRecord, 0)
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list records: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, ".json") {
			continue
		}

		obj, err := s.client.GetObject(ctx, s.bucketName, object.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get object %s: %w", object.Key, err)
		}

		data, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", object.Key, err)
		}

		var record DeviceKeyRecord
		if err = json.Unmarshal(data, &record); err != nil {
			// Foreign objects under the prefix are skipped, not fatal.
			continue
		}

		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})

	return records, nil
}

// Delete removes the record object for the given id. Missing ids are a no-op.
func (s *S3Store) Delete(ctx context.Context, deviceID string) error {
	if err := validateDeviceID(deviceID); err != nil {
		return err
	}

	err := s.client.RemoveObject(ctx, s.bucketName, s.objectName(deviceID), minio.RemoveObjectOptions{})
	if err != nil {
		var errResp minio.ErrorResponse
		if errors.As(err, &errResp) && errResp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to delete record %s: %w", deviceID, err)
	}

	return nil
}

// Ping tests connectivity to the S3 backend.
func (s *S3Store) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to reach s3 backend: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucketName)
	}
	return nil
}

// Close is a no-op; the MinIO client holds no persistent connections.
func (s *S3Store) Close() error {
	return nil
}

// GetType returns the store type identifier.
func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}
