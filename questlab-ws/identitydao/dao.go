package identitydao

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/savaki/ddb"
)

var (
	ErrNotFound    = errors.New("identity not found")
	ErrUnavailable = errors.New("identity store unavailable")
)

// DAO provides read access to the users table.
type DAO struct {
	table *ddb.Table
}

func New(api dynamodbiface.DynamoDBAPI, tableName string) *DAO {
	return &DAO{
		table: ddb.New(api).MustTable(tableName, Identity{}),
	}
}

// Get returns the identity for id, or ErrNotFound.
func (d *DAO) Get(ctx context.Context, id string) (*Identity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	var identity Identity
	if err := d.table.Get(id).ScanWithContext(ctx, &identity); err != nil {
		if ddb.IsItemNotFoundError(err) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: failed to get identity %v: %w", ErrUnavailable, id, err)
	}
	return &identity, nil
}

// Put stores an identity. Only the user service writes here in production.
func (d *DAO) Put(ctx context.Context, identity Identity) error {
	if err := d.table.Put(identity).RunWithContext(ctx); err != nil {
		return fmt.Errorf("%w: failed to put identity %v: %w", ErrUnavailable, identity.ID, err)
	}
	return nil
}
