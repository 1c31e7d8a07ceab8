package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"lcc-server/internal/config"
)

// AzurePublisher uploads products to Azure Blob Storage and hands out SAS
// URLs. Only shared-key authentication is supported.
type AzurePublisher struct {
	client    *azblob.Client
	container string
	expiry    time.Duration
}

// NewAzurePublisher creates a publisher for one container.
func NewAzurePublisher(cfg config.AzureConfig, expiry time.Duration) (*AzurePublisher, error) {
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("Azure account key authentication required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("Azure container is required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzurePublisher{client: client, container: cfg.Container, expiry: expiryOrDefault(expiry)}, nil
}

// Publish uploads the file and returns a read-only SAS URL for it.
func (p *AzurePublisher) Publish(ctx context.Context, key, src string) (string, error) {
	f, _, err := openForUpload(src)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	defer f.Close() //nolint:errcheck

	ct := contentType(key)
	_, err = p.client.UploadFile(ctx, p.container, key, f, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return "", fmt.Errorf("upload %q/%q: %w", p.container, key, err)
	}
	return p.URL(ctx, key)
}

// URL generates a read-only SAS URL.
func (p *AzurePublisher) URL(_ context.Context, key string) (string, error) {
	blobClient := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(key)
	sasURL, err := blobClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(p.expiry), nil)
	if err != nil {
		return "", fmt.Errorf("generate SAS URL for %q: %w", key, err)
	}
	return sasURL, nil
}
