/*
Package carelink implements the authentication and session lifecycle of the
Medtronic CareLink carepartner cloud API.

# Overview

Talking to the data API takes four pieces, used in this order:

  - Resolver: reads the public discovery document and the region's SSO
    configuration into an EndpointConfig.
  - Enroller: one-time device registration. It runs the PKCE authorization,
    hands the login URL to a ChallengeOracle, submits a CSR and exchanges the
    resulting id-token for a Credential.
  - TokenManager: loads the Credential from a CredentialStore, classifies it
    (VALID, EXPIRING, INVALID), refreshes it and hands out bearer values.
  - Session: attaches the bearer and device-session headers to data requests
    and retries once after a forced refresh on 401/403.

A typical program:

	client := carelink.NewClient(nil, logger)
	endpoints, err := carelink.NewResolver(client).Resolve(ctx, carelink.DefaultDiscoveryURL, carelink.RegionEU)

	tokens := carelink.NewTokenManager(store, endpoints, carelink.WithClient(client))
	if state, _ := tokens.Load(ctx); state == carelink.StateInvalid {
		enroller := carelink.NewEnroller(client, &carelink.PromptOracle{In: os.Stdin, Out: os.Stderr})
		_, err = tokens.Enroll(ctx, enroller, endpoints)
	}

	session := carelink.NewSession(client, tokens)
	var me map[string]any
	err = session.GetJSON(ctx, endpoints.DataAPIBaseURL+"/users/me", &me)

# Refresh

Refresh and enrollment for one TokenManager run in a single flight: callers
that arrive while one is running wait for it and share its result, and a
caller holding a token that was already replaced never triggers a second
refresh. A rejected refresh makes the credential INVALID until a new
credential is installed; a network failure does not.

# Errors

Failures are typed: *DiscoveryError, *EnrollmentError (with a Phase),
*RefreshError, *AuthExpiredError, *TransportError and *StatusError.
ErrNoValidCredential means enrollment is required. Error messages carry at
most a short, redacted snippet of the response body.
*/
package carelink
