package cloudinary

import (
	"context"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/cloudinary/cloudinary-go/v2/config"
	"go.uber.org/zap"
	"imagegen-backend/internal/models"
)

const (
	thumbWidth = 256
	thumbEager = "c_fill,w_256,h_256,q_auto,f_auto"
)

var eagerAsyncFalse = false

// AssetStore uploads provider outputs to Cloudinary by remote URL, so the
// bytes never pass through this service.
type AssetStore struct {
	cloudName string
	uploader  *uploader.API
}

func NewAssetStore(cloudName, apiKey, apiSecret string) (*AssetStore, error) {
	cfg, err := config.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, err
	}
	up, err := uploader.NewWithConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	return &AssetStore{
		cloudName: cloudName,
		uploader:  up,
	}, nil
}

func (s *AssetStore) Persist(ctx context.Context, sourceURL string, job *models.GenerationJob, index int) (models.StoredAsset, error) {
	result, err := s.uploader.Upload(ctx, sourceURL, uploader.UploadParams{
		Folder:     fmt.Sprintf("users/%s/jobs/%s", job.UserID.String(), job.ID.String()),
		PublicID:   fmt.Sprintf("%d", index),
		Eager:      thumbEager,
		EagerAsync: &eagerAsyncFalse,
	})
	if err != nil {
		return models.StoredAsset{}, fmt.Errorf("failed to upload to cloudinary: %w", err)
	}
	if result.Error.Message != "" {
		return models.StoredAsset{}, fmt.Errorf("failed to upload to cloudinary: %s", result.Error.Message)
	}
	if result.SecureURL == "" {
		return models.StoredAsset{}, fmt.Errorf("cloudinary returned no url for %s", sourceURL)
	}

	thumbURL := ""
	if len(result.Eager) > 0 {
		thumbURL = result.Eager[0].SecureURL
	}
	if thumbURL == "" {
		thumbURL = ThumbnailURL(s.cloudName, result.PublicID)
	}

	zap.L().Debug("Stored generation asset in cloudinary",
		zap.String("job_id", job.ID.String()),
		zap.String("public_id", result.PublicID))

	return models.StoredAsset{
		SourceURL: sourceURL,
		ResultURL: result.SecureURL,
		ThumbURL:  thumbURL,
		Key:       result.PublicID,
	}, nil
}

// Remove destroys an uploaded asset by its public id.
func (s *AssetStore) Remove(ctx context.Context, asset models.StoredAsset) error {
	if asset.Key == "" {
		return fmt.Errorf("asset has no public id")
	}
	result, err := s.uploader.Destroy(ctx, uploader.DestroyParams{PublicID: asset.Key})
	if err != nil {
		return fmt.Errorf("failed to destroy cloudinary asset: %w", err)
	}
	if result.Error.Message != "" {
		return fmt.Errorf("failed to destroy cloudinary asset: %s", result.Error.Message)
	}
	return nil
}

// ThumbnailURL builds a delivery URL with the thumbnail transformation.
func ThumbnailURL(cloudName, publicID string) string {
	return fmt.Sprintf("https://res.cloudinary.com/%s/image/upload/c_fill,w_%d,h_%d,q_auto,f_auto/%s",
		cloudName, thumbWidth, thumbWidth, publicID)
}
