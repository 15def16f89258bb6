package platform

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ChallengeResponse is the body answered to a signed-token handshake.
type ChallengeResponse struct {
	PlainToken string `json:"plain_token"`
	Signature  string `json:"signature"`
}

// SignChallenge answers a callback-verification handshake. The key seed
// is the bot secret repeated and truncated to 32 bytes; the signed
// payload is the event timestamp concatenated with the plain token.
func SignChallenge(secret, eventTS, plainToken string) (*ChallengeResponse, error) {
	if secret == "" {
		return nil, fmt.Errorf("bot secret is empty")
	}

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = secret[i%len(secret)]
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(priv, []byte(eventTS+plainToken))

	return &ChallengeResponse{
		PlainToken: plainToken,
		Signature:  hex.EncodeToString(sig),
	}, nil
}

// ChallengeJSON signs the handshake and renders the JSON webhook reply.
func ChallengeJSON(secret, eventTS, plainToken string) (*WebhookResponse, error) {
	resp, err := SignChallenge(secret, eventTS, plainToken)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return JSONResponse(body), nil
}
