package connectiondao

// Connection maps a live WebSocket connection to the user that authenticated it.
// Endpoint is the management API endpoint of the deployment that accepted the
// connection; pushes to this connection must go through it.
type Connection struct {
	ConnectionID string `dynamodbav:"pk" ddb:"hash"`
	UserID       string `dynamodbav:"user_id" ddb:"gsi_hash:UserIndex"`
	Endpoint     string `dynamodbav:"endpoint"`
	CreatedAt    int64  `dynamodbav:"created_at"`
	TTL          int64  `dynamodbav:"ttl,omitempty"`
}
