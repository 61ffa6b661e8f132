package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	storage "github.com/supabase-community/storage-go"
	"go.uber.org/zap"
	"imagegen-backend/internal/models"
)

// Thumbnails are served by Supabase image transformation rather than stored.
const thumbWidth = 256

// maxAssetSize caps a single provider output download.
const maxAssetSize = 32 << 20

type StorageClient struct {
	client     *storage.Client
	bucket     string
	baseURL    string
	httpClient *http.Client
}

func NewStorageClient(supabaseURL, serviceRoleKey, bucket string) (*StorageClient, error) {
	if supabaseURL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	baseURL := strings.TrimSuffix(supabaseURL, "/")
	client := storage.NewClient(baseURL+"/storage/v1", serviceRoleKey, nil)

	return &StorageClient{
		client:  client,
		bucket:  bucket,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Persist copies one provider output into the bucket under
// users/{user_id}/jobs/{job_id}/{index}.{ext} and returns its public URLs.
func (s *StorageClient) Persist(ctx context.Context, sourceURL string, job *models.GenerationJob, index int) (models.StoredAsset, error) {
	data, contentType, err := s.download(ctx, sourceURL)
	if err != nil {
		return models.StoredAsset{}, err
	}

	storagePath := fmt.Sprintf("users/%s/jobs/%s/%d.%s", job.UserID.String(), job.ID.String(), index, extensionFor(contentType))

	upsert := true
	_, err = s.client.UploadFile(s.bucket, storagePath, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return models.StoredAsset{}, fmt.Errorf("failed to upload file: %w", err)
	}

	zap.L().Debug("Stored generation asset",
		zap.String("job_id", job.ID.String()),
		zap.String("path", storagePath),
		zap.Int("bytes", len(data)))

	return models.StoredAsset{
		SourceURL: sourceURL,
		ResultURL: s.GetPublicURL(storagePath),
		ThumbURL:  s.GetThumbnailURL(storagePath),
		Key:       storagePath,
	}, nil
}

func (s *StorageClient) GetPublicURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s",
		s.baseURL, s.bucket, storagePath)
}

func (s *StorageClient) GetThumbnailURL(storagePath string) string {
	return fmt.Sprintf("%s/storage/v1/render/image/public/%s/%s?width=%d&resize=contain",
		s.baseURL, s.bucket, storagePath, thumbWidth)
}

func (s *StorageClient) DeleteFile(storagePath string) error {
	_, err := s.client.RemoveFile(s.bucket, []string{storagePath})
	return err
}

// Remove deletes an asset stored by Persist.
func (s *StorageClient) Remove(_ context.Context, asset models.StoredAsset) error {
	if asset.Key == "" {
		return fmt.Errorf("asset has no storage path")
	}
	if err := s.DeleteFile(asset.Key); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *StorageClient) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("failed to download asset: status %d, body: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxAssetSize {
		return nil, "", fmt.Errorf("asset exceeds %d bytes", maxAssetSize)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("asset is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}
