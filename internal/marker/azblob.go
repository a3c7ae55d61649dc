package marker

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/breeze-rmm/provision/internal/config"
)

type azureUploader interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureSink writes the marker to an Azure Blob Storage container.
type AzureSink struct {
	container string
	prefix    string
	client    azureUploader
}

// NewAzureSink builds a client from the storage account connection string.
func NewAzureSink(cfg config.MarkerConfig) (*AzureSink, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureSink{
		container: cfg.AzureContainer,
		prefix:    cfg.Prefix,
		client:    client,
	}, nil
}

func (a *AzureSink) Name() string { return "azblob" }

// Report uploads the marker document as a block blob.
func (a *AzureSink) Report(ctx context.Context, m Marker) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	key := ObjectKey(a.prefix, m.Hostname, m.Label)
	if _, err := a.client.UploadBuffer(ctx, a.container, key, body, nil); err != nil {
		return fmt.Errorf("upload azblob %s/%s: %w", a.container, key, err)
	}
	return nil
}
