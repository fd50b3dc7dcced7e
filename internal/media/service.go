// Package media issues presigned upload URLs for avatars, covers, and pages.
package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"inkwell/api/internal/util"
)

const (
	KindAvatar = "avatar"
	KindCover  = "cover"
	KindPage   = "page"
)

var allowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true,
}

// UploadTicket is handed to the client: PUT the file to URL, then reference
// it by PublicURL.
type UploadTicket struct {
	URL       string `json:"url"`
	PublicURL string `json:"publicUrl"`
	Key       string `json:"key"`
	ExpiresIn int    `json:"expiresIn"`
}

// Service wraps an S3-compatible object store.
type Service struct {
	client  *minio.Client
	bucket  string
	baseURL string
	expiry  time.Duration
}

// NewService connects to the object store and ensures the bucket exists.
func NewService(ctx context.Context, endpoint, accessKey, secretKey, bucket, baseURL string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		expiry:  15 * time.Minute,
	}, nil
}

// PresignUpload returns a short-lived PUT URL for a new object of the given
// kind. The object key embeds the owning account so uploads are traceable.
func (s *Service) PresignUpload(ctx context.Context, accountID, kind, filename string) (UploadTicket, error) {
	if kind != KindAvatar && kind != KindCover && kind != KindPage {
		return UploadTicket{}, fmt.Errorf("unknown upload kind %q", kind)
	}
	ext := strings.ToLower(strings.TrimPrefix(strings.ToLower(filenameExt(filename)), "."))
	if !allowedExtensions[ext] {
		return UploadTicket{}, fmt.Errorf("unsupported file extension %q", ext)
	}

	key := fmt.Sprintf("%s/%s/%s.%s", kind, accountID, util.NewID("obj"), ext)
	presigned, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.expiry)
	if err != nil {
		return UploadTicket{}, fmt.Errorf("presign upload: %w", err)
	}

	return UploadTicket{
		URL:       presigned.String(),
		PublicURL: s.publicURL(key),
		Key:       key,
		ExpiresIn: int(s.expiry.Seconds()),
	}, nil
}

func (s *Service) publicURL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + "/" + key
	}
	u := url.URL{
		Scheme: "https",
		Host:   s.client.EndpointURL().Host,
		Path:   "/" + s.bucket + "/" + key,
	}
	return u.String()
}

func filenameExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}
