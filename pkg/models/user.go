package models

import "strings"

const (
	RoleAdmin = "Admin"
	RoleUser  = "User"
)

// Credentials of one provider connection, keyed by backend specific names
// such as "endpoint" or "access_key".
type Credentials map[string]string

type User struct {
	ID          string                                  `json:"id" bson:"_id" firestore:"id"`
	Email       string                                  `json:"email" bson:"email" firestore:"email"`
	Role        string                                  `json:"role" bson:"role" firestore:"role"`
	Session     string                                  `json:"session,omitempty" bson:"session,omitempty" firestore:"session,omitempty"`
	WorkerCount int                                     `json:"worker_count" bson:"worker_count" firestore:"worker_count"`
	Connections map[ProviderKind]map[string]Credentials `json:"connections,omitempty" bson:"connections,omitempty" firestore:"connections,omitempty"`
}

func (u User) IsAdmin() bool {
	return strings.EqualFold(u.Role, RoleAdmin)
}

// Connection returns the credentials stored for a provider connection.
func (u User) Connection(kind ProviderKind, connectionID string) (Credentials, bool) {
	conns, ok := u.Connections[kind]
	if !ok {
		return nil, false
	}
	creds, ok := conns[connectionID]
	return creds, ok
}
