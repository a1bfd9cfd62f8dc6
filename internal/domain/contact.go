package domain

// Contact is a row from the external customer store, as streamed by the
// materializer. Attributes carries any additional profile fields exposed
// to template personalization.
type Contact struct {
	ID         *string                `json:"id" db:"id"`
	Email      string                 `json:"email" db:"email"`
	FirstName  string                 `json:"first_name" db:"first_name"`
	LastName   string                 `json:"last_name" db:"last_name"`
	Attributes map[string]interface{} `json:"attributes,omitempty" db:"attributes"`
}
