// Package profilesync watches the identity table and tells a user's live
// connections when their profile changes, so clients can refresh the claims
// their session token carries.
package profilesync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	questlabddb "github.com/questlab-research/questlab-go-utils/questlab-ddb"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/identitydao"
	"github.com/rs/zerolog"
)

// ActionIdentityUpdated is pushed when the profile behind a session changes.
const ActionIdentityUpdated = "identity-updated"

type Broadcaster interface {
	BroadcastToUser(ctx context.Context, userID string, message []byte) (delivery.Report, error)
}

type Notifier struct {
	Delivery Broadcaster
	Logger   zerolog.Logger
}

type updatedMessage struct {
	Action string  `json:"action"`
	Data   profile `json:"data"`
}

type profile struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
}

// OnUpdate pushes identity-updated when a token claim changed. Other updates
// to the record are ignored.
func (n *Notifier) OnUpdate(ctx context.Context, oldValue, newValue map[string]*dynamodb.AttributeValue) error {
	var before, after identitydao.Identity
	if err := questlabddb.ParseItem(oldValue, &before); err != nil {
		return err
	}
	if err := questlabddb.ParseItem(newValue, &after); err != nil {
		return err
	}
	if after.ID == "" {
		return nil
	}
	if before.Email == after.Email && before.DisplayName == after.DisplayName {
		return nil
	}

	msg, err := json.Marshal(updatedMessage{
		Action: ActionIdentityUpdated,
		Data:   profile{Email: after.Email, DisplayName: after.DisplayName},
	})
	if err != nil {
		return fmt.Errorf("marshalling identity update: %w", err)
	}

	report, err := n.Delivery.BroadcastToUser(ctx, after.ID, msg)
	if err != nil {
		// a stream retry would re-push to connections that already received it
		n.Logger.Warn().Err(err).Str("user_id", after.ID).Msg("identity update partially delivered")
		return nil
	}

	n.Logger.Debug().
		Str("user_id", after.ID).
		Int("delivered", report.Delivered).
		Msg("identity update pushed")
	return nil
}
