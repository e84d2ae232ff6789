package connectiondao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/savaki/ddb"
)

// UserIndex is the GSI on user_id used for fan-out.
const UserIndex = "UserIndex"

// ErrUnavailable marks a failure of the backing store. It is transient; callers
// decide whether to retry.
var ErrUnavailable = errors.New("connection store unavailable")

// DAO provides access to the WebSocket connections table.
type DAO struct {
	table     *ddb.Table
	tableName string
	now       func() time.Time
}

// New creates a new connections DAO.
func New(api dynamodbiface.DynamoDBAPI, tableName string) *DAO {
	return &DAO{
		table:     ddb.New(api).MustTable(tableName, Connection{}),
		tableName: tableName,
		now:       time.Now,
	}
}

// Create stores a connection record, overwriting any record with the same id.
// CreatedAt is stamped when unset.
func (d *DAO) Create(ctx context.Context, conn Connection) error {
	if conn.ConnectionID == "" {
		return fmt.Errorf("unable to create connection: missing connection id")
	}
	if conn.CreatedAt == 0 {
		conn.CreatedAt = d.now().Unix()
	}
	if err := d.table.Put(conn).RunWithContext(ctx); err != nil {
		return fmt.Errorf("%w: failed to put connection %v: %w", ErrUnavailable, conn.ConnectionID, err)
	}
	return nil
}

// FindByConnectionID retrieves a connection record. Returns nil if not found.
func (d *DAO) FindByConnectionID(ctx context.Context, connectionID string) (*Connection, error) {
	var conn Connection
	if err := d.table.Get(connectionID).ConsistentRead(true).ScanWithContext(ctx, &conn); err != nil {
		if ddb.IsItemNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to get connection %v: %w", ErrUnavailable, connectionID, err)
	}
	return &conn, nil
}

// FindByUserID returns every connection opened by the user, using the UserIndex GSI.
func (d *DAO) FindByUserID(ctx context.Context, userID string) ([]Connection, error) {
	var conns []Connection
	err := d.table.Query("#UserID = ?", userID).
		IndexName(UserIndex).
		FindAllWithContext(ctx, &conns)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query connections for user %v: %w", ErrUnavailable, userID, err)
	}
	return conns, nil
}

// Delete removes a connection record by ID. Deleting an absent record is not an error.
func (d *DAO) Delete(ctx context.Context, connectionID string) error {
	if err := d.table.Delete(connectionID).RunWithContext(ctx); err != nil {
		return fmt.Errorf("%w: failed to delete connection %v: %w", ErrUnavailable, connectionID, err)
	}
	return nil
}
