package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/kimhsiao/formsync/internal/errors"
	"github.com/kimhsiao/formsync/internal/logging"
	"github.com/kimhsiao/formsync/internal/models"
)

// ObjectStoreConfig holds S3-compatible bucket configuration.
type ObjectStoreConfig struct {
	Endpoint  string // host[:port]; a scheme prefix sets Secure
	Bucket    string
	Prefix    string // key prefix, e.g. "submissions/"
	AccessKey string
	SecretKey string
	Region    string // default: us-east-1
	UseSSL    bool
	UserID    int
	Timeout   time.Duration
}

// document is the object body: the submission plus its identity.
type document struct {
	Submission
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

// ObjectStoreClient writes each record as <prefix><id>.json into a bucket.
// The key is derived from the record id, so a redelivery overwrites the
// same object instead of creating a duplicate.
type ObjectStoreClient struct {
	client  *minio.Client
	bucket  string
	prefix  string
	userID  int
	timeout time.Duration
}

// NewObjectStoreClient creates an ObjectStoreClient using path-style addressing.
func NewObjectStoreClient(cfg ObjectStoreConfig) (*ObjectStoreClient, error) {
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}
	endpoint = strings.TrimSuffix(endpoint, "/")

	if endpoint == "" || cfg.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "object store endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		// S3-compatible servers without regions still expect one in the signature.
		region = "us-east-1"
	}
	userID := cfg.UserID
	if userID == 0 {
		userID = 1
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to initialize object store client", err)
	}

	return &ObjectStoreClient{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		userID:  userID,
		timeout: cfg.Timeout,
	}, nil
}

// Key returns the object key for a record.
func (c *ObjectStoreClient) Key(rec *models.Record) string {
	return c.prefix + rec.ID.String() + ".json"
}

// Send uploads rec. The object store client retries transient server
// errors internally; the context deadline bounds the whole attempt.
func (c *ObjectStoreClient) Send(ctx context.Context, rec *models.Record) (err error) {
	defer recoverSend(&err)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(document{
		Submission: NewSubmission(rec, c.userID),
		ID:         rec.ID.String(),
		CreatedAt:  rec.CreatedAt,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "encode submission", err)
	}

	info, err := c.client.PutObject(ctx, c.bucket, c.Key(rec), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"record-id":  rec.ID.String(),
				"created-at": strconv.FormatInt(rec.CreatedAt, 10),
			},
		})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code != "" {
			logging.Warn("Object store rejected record", map[string]interface{}{
				"record_id": rec.ID.String(),
				"code":      resp.Code,
				"status":    resp.StatusCode,
			})
		}
		return classify(ctx, "put object", err)
	}

	logging.Debug("Record stored", map[string]interface{}{
		"record_id": rec.ID.String(),
		"key":       info.Key,
		"etag":      info.ETag,
	})
	return nil
}
