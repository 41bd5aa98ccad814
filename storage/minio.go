package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"musicmashup/config"
	"musicmashup/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements ObjectStore on one MinIO bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and makes sure the bucket exists.
func NewMinioStore(cfg *config.Config) (*MinioStore, error) {
	logger.Info("正在连接 MinIO 服务器",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("created bucket", logger.String("bucket", cfg.MinioBucket))
	}
	return &MinioStore{client: client, bucket: cfg.MinioBucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	logger.Debug("object stored", logger.String("key", key), logger.Int64("size", size))
	return nil
}

type minioObject struct {
	*minio.Object
	info ObjectInfo
}

func (o *minioObject) Info() ObjectInfo { return o.info }

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}

// Open stats the object first so a missing key surfaces as ErrNotFound
// rather than on the first Read.
func (s *MinioStore) Open(ctx context.Context, key string) (Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &minioObject{Object: obj, info: ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		LastModified: st.LastModified,
		ContentType:  st.ContentType,
		ETag:         st.ETag,
	}}, nil
}

func (s *MinioStore) FGet(ctx context.Context, key, filePath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, key, filePath, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// RemovePrefix 递归删除目录, returning how many objects went away.
func (s *MinioStore) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	toDelete := make(chan minio.ObjectInfo)
	count := 0
	go func() {
		defer close(toDelete)
		for obj := range objectCh {
			if obj.Err != nil {
				logger.Warn("列出对象时出错", logger.String("prefix", prefix), logger.ErrorField(obj.Err))
				continue
			}
			count++
			toDelete <- obj
		}
	}()

	var firstErr error
	for res := range s.client.RemoveObjects(ctx, s.bucket, toDelete, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("删除对象 %s 失败: %w", res.ObjectName, res.Err)
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	logger.Info("prefix removed", logger.String("prefix", prefix), logger.Int("objects", count))
	return count, nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	var objects []ObjectInfo
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
			ETag:         object.ETag,
		})
	}
	return objects, Stats(objects), nil
}
