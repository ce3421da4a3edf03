// README: Firebase Admin SDK initialisation, ID-token verifier and the FCM client used for notifications.
package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// IdentityToken is a verified ID token.
type IdentityToken struct {
	UID    string
	Claims map[string]interface{}
}

// DefaultRole is assumed for tokens without a "role" custom claim.
const DefaultRole = "rider"

// Role reads the "role" custom claim set by the admin tooling.
func (t *IdentityToken) Role() string {
	if role, _ := t.Claims["role"].(string); role != "" {
		return role
	}
	return DefaultRole
}

// TokenVerifier verifies a raw Firebase ID token string and returns token data.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*IdentityToken, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseApp creates the Admin SDK app. If credentialsFile is empty,
// application-default credentials are used.
func NewFirebaseApp(ctx context.Context, projectID, credentialsFile string) (*firebase.App, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

// NewFirebaseVerifier creates a TokenVerifier backed by the app's auth client.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (TokenVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*IdentityToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &IdentityToken{UID: token.UID, Claims: token.Claims}, nil
}

// NewMessaging returns the FCM client for push notifications.
func NewMessaging(ctx context.Context, app *firebase.App) (*messaging.Client, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return client, nil
}
