package credential

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/contentdesk/internal/account"
	"github.com/dgellow/contentdesk/internal/crypto"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ Store = (*FirestoreStore)(nil)

// DefaultFirestoreDocID names the document holding the credential when none is configured
const DefaultFirestoreDocID = "current"

// FirestoreOptions selects where the credential document lives
type FirestoreOptions struct {
	ProjectID       string
	Database        string
	Collection      string
	DocID           string
	CredentialsFile string
}

// credentialDoc represents the credential document in Firestore
type credentialDoc struct {
	Value      string    `firestore:"value"` // Encrypted token
	AcquiredAt time.Time `firestore:"acquired_at"`
	UpdatedAt  time.Time `firestore:"updated_at"`
}

// FirestoreStore keeps the encrypted credential in a single Firestore document,
// which lets a user resume the session from another machine.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	docID      string
	encryptor  crypto.Encryptor
}

// NewFirestoreStore creates a new Firestore credential store. The emulator is
// picked up from FIRESTORE_EMULATOR_HOST by the client library.
func NewFirestoreStore(ctx context.Context, opts FirestoreOptions, encryptor crypto.Encryptor) (*FirestoreStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if opts.DocID == "" {
		opts.DocID = DefaultFirestoreDocID
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	var client *firestore.Client
	var err error
	if opts.Database != "" && opts.Database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, opts.ProjectID, opts.Database, clientOpts...)
	} else {
		client, err = firestore.NewClient(ctx, opts.ProjectID, clientOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: opts.Collection,
		docID:      opts.DocID,
		encryptor:  encryptor,
	}, nil
}

func (s *FirestoreStore) doc() *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(s.docID)
}

func (s *FirestoreStore) Put(ctx context.Context, cred account.Credential) error {
	rec, err := seal(s.encryptor, cred)
	if err != nil {
		return err
	}
	_, err = s.doc().Set(ctx, credentialDoc{
		Value:      rec.Value,
		AcquiredAt: rec.AcquiredAt,
		UpdatedAt:  rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to store credential in Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context) (account.Credential, error) {
	snap, err := s.doc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return account.Credential{}, ErrNotFound
		}
		return account.Credential{}, fmt.Errorf("failed to get credential from Firestore: %w", err)
	}

	var d credentialDoc
	if err := snap.DataTo(&d); err != nil {
		return account.Credential{}, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return open(s.encryptor, record{Value: d.Value, AcquiredAt: d.AcquiredAt, UpdatedAt: d.UpdatedAt})
}

func (s *FirestoreStore) Clear(ctx context.Context) error {
	_, err := s.doc().Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete credential from Firestore: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
