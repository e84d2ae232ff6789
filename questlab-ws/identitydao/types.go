package identitydao

// Identity is the profile the user service maintains for a user. The gateway
// only reads it, to refresh the claims carried by session tokens.
type Identity struct {
	ID          string `dynamodbav:"pk" ddb:"hash"`
	Email       string `dynamodbav:"email"`
	DisplayName string `dynamodbav:"display_name"`
}
