// Package auth is the credential boundary of the authorization service.
//
// # Overview
//
// Credential issuance (passwords, TOTP) happens elsewhere. This package only
// verifies the bearer access token presented with a request and loads the
// user record the authorization stages need: active flag, two-factor state
// and primary role.
//
// # Tokens
//
// Access tokens are HS256 JWTs. The subject is the numeric user ID and the
// "tfv" claim records whether the session completed two-factor verification.
//
//	tm, err := auth.NewTokenManager(secret, "warden")
//	token, err := tm.Issue(userID, true, 15*time.Minute)
//	claims, err := tm.Verify(token) // EXPIRED_TOKEN or INVALID_TOKEN on failure
//
// # Users
//
//	users := auth.NewSQLUserStore(db, 2*time.Second)
//	user, err := users.GetUser(ctx, userID) // USER_NOT_FOUND or STORE_UNAVAILABLE
//
// # Related Packages
//
//   - pkg/middleware: the authenticate stage built on this package
package auth
