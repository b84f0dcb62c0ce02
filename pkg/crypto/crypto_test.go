package crypto

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/ridgelinehealth/bridge/internal/store"
)

func TestNew_EmptySecretDisablesEncryption(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.IsEnabled() {
		t.Fatal("expected a nil Cipher from an empty secret to be disabled")
	}
}

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	c, err := New("s3cr3t")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte("MSH|^~\\&|...")

	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypt(encrypt(x)) = %q, want %q", got, plaintext)
	}
}

func TestDisabledCipher_EncryptDecryptAreNoops(t *testing.T) {
	var c *Cipher
	plaintext := []byte("raw bytes")

	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("disabled Encrypt should pass through, got %q", ciphertext)
	}

	got, err := c.Decrypt(plaintext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("disabled Decrypt should pass through, got %q", got)
	}
}

// fakeStore is a minimal in-memory store.Store for exercising Boundary.
type fakeStore struct {
	rows map[string]*store.ContentRow
}

func newFakeStore(rows ...*store.ContentRow) *fakeStore {
	fs := &fakeStore{rows: make(map[string]*store.ContentRow)}
	for _, r := range rows {
		cp := *r
		fs.rows[key(r.MsgID, r.MetadataID, r.ContentType)] = &cp
	}
	return fs
}

func key(msgID int64, metadataID int, ct store.ContentType) string {
	return fmt.Sprintf("%d|%d|%d", msgID, metadataID, ct)
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg *store.Message) error { return nil }
func (f *fakeStore) UpsertConnectorMessage(ctx context.Context, cm *store.ConnectorMessage) error {
	return nil
}
func (f *fakeStore) PutContent(ctx context.Context, row *store.ContentRow) error {
	cp := *row
	f.rows[key(row.MsgID, row.MetadataID, row.ContentType)] = &cp
	return nil
}
func (f *fakeStore) GetContent(ctx context.Context, channelID string, msgID int64, metadataID int, ct store.ContentType) ([]byte, error) {
	row := f.rows[key(msgID, metadataID, ct)]
	if row == nil {
		return nil, nil
	}
	return row.Payload, nil
}
func (f *fakeStore) ContentRowsForMessage(ctx context.Context, channelID string, msgID int64) ([]*store.ContentRow, error) {
	var out []*store.ContentRow
	for _, r := range f.rows {
		if r.MsgID == msgID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeStore) PutAttachment(ctx context.Context, att *store.AttachmentRow) error { return nil }
func (f *fakeStore) GetAttachment(ctx context.Context, channelID, attachmentID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeStore) IncStats(ctx context.Context, channelID string, metadataID int, kind store.StatKind, delta int64) error {
	return nil
}
func (f *fakeStore) Search(ctx context.Context, channelID string, filter store.Filter, rng store.Range) (*store.SearchResult, error) {
	return &store.SearchResult{}, nil
}
func (f *fakeStore) CountByFilter(ctx context.Context, channelID string, filter store.Filter) (int, error) {
	return 0, nil
}
func (f *fakeStore) StatsForChannel(ctx context.Context, channelID string) (store.ChannelStats, error) {
	return store.ChannelStats{}, nil
}

func (f *fakeStore) Close() error                     { return nil }
func (f *fakeStore) Health(ctx context.Context) error { return nil }

func TestBoundary_EncryptMessageSkipsAlreadyEncryptedRows(t *testing.T) {
	fs := newFakeStore(
		&store.ContentRow{MsgID: 1, MetadataID: 0, ContentType: store.ContentRaw, Payload: []byte("raw"), Encrypted: false},
		&store.ContentRow{MsgID: 1, MetadataID: 1, ContentType: store.ContentSent, Payload: []byte("already-cipher"), Encrypted: true},
	)
	c, _ := New("s3cr3t")
	b := &Boundary{Store: fs, Cipher: c}

	if err := b.EncryptMessage(context.Background(), "chan1", 1); err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}

	raw := fs.rows[key(1, 0, store.ContentRaw)]
	if !raw.Encrypted {
		t.Fatal("expected raw row to now be encrypted")
	}
	if bytes.Equal(raw.Payload, []byte("raw")) {
		t.Fatal("expected raw payload to have been transformed")
	}

	sent := fs.rows[key(1, 1, store.ContentSent)]
	if string(sent.Payload) != "already-cipher" {
		t.Fatal("expected already-encrypted row to be left untouched")
	}
}

func TestBoundary_DecryptMessageSkipsPlaintextRows(t *testing.T) {
	c, _ := New("s3cr3t")
	ciphertext, err := c.Encrypt([]byte("secret payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	fs := newFakeStore(
		&store.ContentRow{MsgID: 1, MetadataID: 0, ContentType: store.ContentRaw, Payload: ciphertext, Encrypted: true},
		&store.ContentRow{MsgID: 1, MetadataID: 1, ContentType: store.ContentSent, Payload: []byte("plain"), Encrypted: false},
	)
	b := &Boundary{Store: fs, Cipher: c}

	if err := b.DecryptMessage(context.Background(), "chan1", 1); err != nil {
		t.Fatalf("DecryptMessage: %v", err)
	}

	raw := fs.rows[key(1, 0, store.ContentRaw)]
	if raw.Encrypted {
		t.Fatal("expected raw row to now be plaintext")
	}
	if string(raw.Payload) != "secret payload" {
		t.Fatalf("got %q, want decrypted payload", raw.Payload)
	}

	sent := fs.rows[key(1, 1, store.ContentSent)]
	if string(sent.Payload) != "plain" {
		t.Fatal("expected plaintext row to be left untouched")
	}
}

func TestBoundary_DisabledCipherIsNoop(t *testing.T) {
	fs := newFakeStore(
		&store.ContentRow{MsgID: 1, MetadataID: 0, ContentType: store.ContentRaw, Payload: []byte("raw"), Encrypted: false},
	)
	b := &Boundary{Store: fs, Cipher: nil}

	if err := b.EncryptMessage(context.Background(), "chan1", 1); err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}
	if fs.rows[key(1, 0, store.ContentRaw)].Encrypted {
		t.Fatal("disabled cipher should never flip the encrypted flag")
	}
}
