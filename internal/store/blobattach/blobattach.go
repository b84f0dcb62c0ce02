// Package blobattach offloads large attachment payloads to Azure Blob
// Storage, mirroring the teacher's AzureStorage uploader. It is optional:
// the default attachment path stores bytes inline in the database, and
// this package is only consulted when a store.AttachmentRow exceeds the
// configured blob-offload threshold (internal/tuning's
// Store.BlobOffloadThresholdBytes).
package blobattach

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// Config holds the connection details for the blob container attachments
// are offloaded to.
type Config struct {
	// AccountName and AccountKey authenticate against Azure Storage and
	// also sign the SAS URLs SASURL issues.
	AccountName string
	AccountKey  string
	// Container is the blob container name.
	Container string
	// SASExpiry is how long a SASURL link stays valid. Default 7 days.
	SASExpiry time.Duration
}

// Offloader uploads and fetches attachment payloads from blob storage. A
// content row that has been offloaded stores the Offloader's returned
// reference string in place of inline bytes.
type Offloader struct {
	client     *azblob.Client
	credential *azblob.SharedKeyCredential
	container  string
	sasExpiry  time.Duration
}

// New creates an Offloader authenticated with an account name and key.
func New(cfg *Config) (*Offloader, error) {
	if cfg == nil || cfg.Container == "" {
		return nil, fmt.Errorf("blobattach: container name is required")
	}
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, fmt.Errorf("blobattach: account name and key are required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("blobattach: shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("blobattach: create client: %w", err)
	}

	sasExpiry := cfg.SASExpiry
	if sasExpiry == 0 {
		sasExpiry = 7 * 24 * time.Hour
	}

	return &Offloader{client: client, credential: credential, container: cfg.Container, sasExpiry: sasExpiry}, nil
}

// Ref identifies a blob holding one attachment's payload, stored in the
// attachment row's blob_ref column in place of inline content.
func Ref(channelID, attachmentID string) string {
	return fmt.Sprintf("%s/%s", channelID, attachmentID)
}

// Upload writes data to the blob named by ref.
func (o *Offloader) Upload(ctx context.Context, ref string, data []byte, contentType string) error {
	client := o.client.ServiceClient().NewContainerClient(o.container).NewBlockBlobClient(ref)

	headers := &blob.HTTPHeaders{}
	if contentType != "" {
		headers.BlobContentType = &contentType
	}

	_, err := client.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{HTTPHeaders: headers})
	if err != nil {
		return fmt.Errorf("blobattach: upload %s: %w", ref, err)
	}
	return nil
}

// Download reads the full contents of the blob named by ref.
func (o *Offloader) Download(ctx context.Context, ref string) ([]byte, error) {
	client := o.client.ServiceClient().NewContainerClient(o.container).NewBlobClient(ref)

	get, err := client.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("blobattach: download %s: %w", ref, err)
	}
	defer get.Body.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := get.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// SASURL generates a read-only, time-limited URL for the blob named by ref,
// for surfacing large attachments through the diagnostics UI without
// routing the bytes through this process.
func (o *Offloader) SASURL(ctx context.Context, ref string) (string, error) {
	expiry := time.Now().Add(o.sasExpiry)
	client := o.client.ServiceClient().NewContainerClient(o.container).NewBlobClient(ref)

	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().UTC(),
		ExpiryTime:    expiry.UTC(),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: o.container,
		BlobName:      ref,
	}.SignWithSharedKey(o.credential)
	if err != nil {
		return "", fmt.Errorf("blobattach: sign sas url for %s: %w", ref, err)
	}

	return fmt.Sprintf("%s?%s", client.URL(), params.Encode()), nil
}
